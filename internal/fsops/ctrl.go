// The s3ql_ctrl control inode lets a running mount be driven through
// ordinary xattr syscalls, mirroring original_source/src/s3ql/ctrl.py and
// the umount command's use of the s3ql_flushcache! and s3ql_pid? xattrs
// (see original_source/src/s3ql/cli/umount.py) rather than a side-channel
// socket or signal.
package fsops

import (
	"context"
	"fmt"
	"os"
	"syscall"
)

const (
	ctrlFlushCache = "s3ql_flushcache!"
	ctrlPid        = "s3ql_pid?"
)

// ctrlGetxattr answers a read against the control inode. ctrlPid is the
// only readable attribute; anything else has no value to report.
func ctrlGetxattr(f *FS, attr string, dest []byte) (uint32, syscall.Errno) {
	if attr != ctrlPid {
		return 0, syscall.ENODATA
	}
	val := []byte(fmt.Sprintf("%d", os.Getpid()))
	if len(dest) == 0 {
		return uint32(len(val)), 0
	}
	if len(dest) < len(val) {
		return 0, syscall.ERANGE
	}
	copy(dest, val)
	return uint32(len(val)), 0
}

// ctrlSetxattr dispatches a write against the control inode. ctrlFlushCache
// forces every dirty block and inode out to the backend immediately,
// the equivalent of waiting out the commit thread's own schedule.
func ctrlSetxattr(ctx context.Context, f *FS, attr string, data []byte) syscall.Errno {
	switch attr {
	case ctrlFlushCache:
		if err := f.Destroy(ctx); err != nil {
			return errnoFor(err)
		}
		return 0
	default:
		return syscall.ENOTSUP
	}
}
