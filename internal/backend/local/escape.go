package local

import "strings"

// escape and unescape implement the local backend's key-escaping rule:
// '=' -> "=3D", '/' -> "=2F", '#' -> "=23". Grounded byte-for-byte
// on original_source/src/s3ql/backends/local.py's module-level escape()/
// unescape() functions, including the ordering dependency that makes the
// two functions true inverses of each other: escape must substitute '='
// first (otherwise it would re-escape the '=' it just introduced for '/'
// and '#'), and unescape must restore "=3D" *last* (otherwise restoring it
// early would corrupt a literal "=2F"/"=23" sequence that itself contains
// an '=' introduced by escaping a real '/' or '#').
func escape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, "/", "=2F")
	s = strings.ReplaceAll(s, "#", "=23")
	return s
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, "=2F", "/")
	s = strings.ReplaceAll(s, "=23", "#")
	s = strings.ReplaceAll(s, "=3D", "=")
	return s
}
