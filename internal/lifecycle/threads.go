package lifecycle

import "runtime"

// lzmaMemPerThread approximates xz(1)'s documented memory use at the
// compression preset internal/backend/crypt uses for the lzma algorithm.
const lzmaMemPerThread = 186 * 1024 * 1024

// DetermineThreads picks the upload worker count for compress, mirroring
// determine_threads: twice the core count, capped down if lzma's
// per-thread memory cost would use more than half of system memory.
// totalMemBytes is supplied by the caller (Go has no portable
// sysconf(SC_PHYS_PAGES) equivalent in the standard library) — 0 disables
// the memory cap and returns twice the core count unconditionally.
func DetermineThreads(compress string, totalMemBytes int64) int {
	cores := runtime.NumCPU()
	threads := 2 * cores
	if compress != "lzma" || totalMemBytes <= 0 {
		return threads
	}
	if int64(threads)*lzmaMemPerThread > totalMemBytes/2 {
		capped := int((totalMemBytes / 2) / lzmaMemPerThread)
		if capped < 1 {
			capped = 1
		}
		return capped
	}
	return threads
}
