// Package lifecycle owns everything around a mount's edges: turning an
// empty backend into a fresh filesystem (Mkfs), the sequence-number
// arbitration and metadata download a mount performs before it ever
// touches a FUSE request (GetMetadata/Mount), the periodic background
// metadata upload and commit threads a running mount keeps alive, the
// three-way decision an unmount makes about whether to upload at all
// (Unmount), and fsck.
//
// The mount/unmount sequence, the two background threads, and the
// exception-escalation behaviour are grounded directly on
// original_source/src/s3ql/cli/mount.py's main(), MetadataUploadThread,
// CommitThread and setup_exchook, adapted to Go's goroutine/channel
// idiom; fsck on original_source/src/s3ql/cli/fsck.py; mkfs on
// original_source/src/s3ql/cli/mkfs.py.
package lifecycle

import (
	"log/slog"
	"time"
)

const component = "lifecycle"

func now() int64 { return time.Now().Unix() }

// orDefaultLogger returns l, or slog.Default() if l is nil, the same
// nil-safe default internal/backend/s3.Backend uses for its own logger.
func orDefaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
