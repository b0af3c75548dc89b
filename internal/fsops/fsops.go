// Package fsops is the filesystem operations layer: it translates POSIX
// directory-tree operations (lookup, create, unlink, rename, read, write,
// ...) into metadb rows and blockcache block access, and is in turn bound
// onto go-fuse's node interfaces by node.go and ctrl.go in this package.
//
// The core/binding split and the per-handle bookkeeping are grounded on
// _examples/scttfrdmn-objectfs/internal/fuse/filesystem.go's FileSystem
// type (openFiles map, nextHandle counter, Stats with rolling-average
// timings). That teacher filesystem addresses content by flat object key;
// this one addresses it by inode, following
// original_source/src/s3ql/fs.py's Operations class, which is the
// arbiter of every inode/dentry mutation S3QL performs.
package fsops

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/s3ql-go/s3ql/internal/blockcache"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/metadb/inodecache"
	"github.com/s3ql-go/s3ql/internal/metrics"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

const component = "fsops"

// RootIno and CtrlIno are the two fixed inode numbers every filesystem is
// created with by internal/lifecycle's Mkfs: RootIno is the filesystem
// root directory, CtrlIno is the synthetic control file bound by ctrl.go.
const (
	RootIno = 1
	CtrlIno = 2
)

// Sentinel errors for POSIX-policy violations that are not themselves
// backend/db failures and so do not carry an s3qlerrors.Kind; node.go's
// errnoFor maps these directly to their syscall.Errno.
var (
	ErrNotEmpty  = errors.New("directory not empty")
	ErrExists    = errors.New("entry already exists")
	ErrNotDir    = errors.New("not a directory")
	ErrIsDir     = errors.New("is a directory")
	ErrReadOnly  = errors.New("filesystem is read-only")
	ErrCrossMount = errors.New("rename would move inode 1 or 2")
)

// Config wires an FS to its metadata store, inode cache, and block cache.
type Config struct {
	DB        *metadb.DB
	Inodes    *inodecache.Cache
	Blocks    *blockcache.Cache
	BlockSize int64
	ReadOnly  bool
	Metrics   *metrics.Collector
}

// Stats tracks operation counters and rolling-average timings, the same
// shape the teacher's filesystem.Stats uses.
type Stats struct {
	mu sync.Mutex

	Lookups, Opens, Reads, Writes, Creates, Deletes, Errors int64
	BytesRead, BytesWritten                                 int64
	AvgReadTime, AvgWriteTime, AvgLookupTime                 time.Duration
}

func (s *Stats) recordLookup(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups++
	s.AvgLookupTime = (s.AvgLookupTime*9 + d) / 10
}

func (s *Stats) recordRead(n int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reads++
	s.BytesRead += int64(n)
	s.AvgReadTime = (s.AvgReadTime*9 + d) / 10
}

func (s *Stats) recordWrite(n int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	s.BytesWritten += int64(n)
	s.AvgWriteTime = (s.AvgWriteTime*9 + d) / 10
}

func (s *Stats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors++
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Lookups: s.Lookups, Opens: s.Opens, Reads: s.Reads, Writes: s.Writes,
		Creates: s.Creates, Deletes: s.Deletes, Errors: s.Errors,
		BytesRead: s.BytesRead, BytesWritten: s.BytesWritten,
		AvgReadTime: s.AvgReadTime, AvgWriteTime: s.AvgWriteTime, AvgLookupTime: s.AvgLookupTime,
	}
}

type fileHandle struct {
	ino int64
}

// FS is the filesystem operations core. A single fs-wide mutex serializes
// every metadata mutation (lookup/create/unlink/rename/...); block reads
// and writes below that are left to blockcache's own finer-grained
// locking, mirroring the original "fs lock" contention point described
// for the Operations class.
type FS struct {
	mu        sync.Mutex
	db        *metadb.DB
	inodes    *inodecache.Cache
	blocks    *blockcache.Cache
	blockSize int64
	readOnly  bool
	metrics   *metrics.Collector

	Stats Stats

	handles    map[uint64]*fileHandle
	nextHandle uint64

	openCount map[int64]int

	uploadSignal chan struct{}
}

// New builds an FS over an already-initialized database (created by
// internal/lifecycle.Mkfs).
func New(cfg Config) *FS {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 128 * 1024
	}
	return &FS{
		db:           cfg.DB,
		inodes:       cfg.Inodes,
		blocks:       cfg.Blocks,
		blockSize:    cfg.BlockSize,
		readOnly:     cfg.ReadOnly,
		metrics:      cfg.Metrics,
		handles:      make(map[uint64]*fileHandle),
		openCount:    make(map[int64]int),
		nextHandle:   1,
		uploadSignal: make(chan struct{}, 1),
	}
}

// UploadSignal fires whenever a metadata mutation happens, so
// internal/lifecycle's periodic metadata-upload worker can wake early
// instead of waiting out its full interval.
func (f *FS) UploadSignal() <-chan struct{} { return f.uploadSignal }

func (f *FS) signalUpload() {
	select {
	case f.uploadSignal <- struct{}{}:
	default:
	}
}

func now() int64 { return time.Now().Unix() }

// GetAttr returns the cached attributes for ino.
func (f *FS) GetAttr(ino int64) (*inodecache.Inode, error) {
	return f.inodes.Get(ino)
}

// SetAttr applies mutate to ino's cached attributes and marks it dirty.
func (f *FS) SetAttr(ino int64, mutate func(*inodecache.Inode)) (*inodecache.Inode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inode, err := f.inodes.Get(ino)
	if err != nil {
		return nil, err
	}
	mutate(inode)
	inode.Ctime = now()
	f.inodes.Touch(inode)
	return inode, nil
}

func (f *FS) lookupLocked(parent int64, name string) (int64, error) {
	var ino int64
	err := f.db.GetRow([]interface{}{&ino}, "SELECT inode FROM contents WHERE parent_inode=? AND name=?",
		parent, []byte(name))
	return ino, err
}

// Lookup resolves name within parent.
func (f *FS) Lookup(parent int64, name string) (*inodecache.Inode, error) {
	f.mu.Lock()
	ino, err := f.lookupLocked(parent, name)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.inodes.Get(ino)
}

// Readdir returns every (name, inode) entry directly under parent.
type DirEntry struct {
	Name string
	Ino  int64
	Mode uint32
}

func (f *FS) Readdir(parent int64) ([]DirEntry, error) {
	rows, err := f.db.GetList(2, "SELECT name, inode FROM contents WHERE parent_inode=?", parent)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(rows))
	for _, row := range rows {
		nameBytes, _ := row[0].([]byte)
		ino, _ := row[1].(int64)
		inode, err := f.inodes.Get(ino)
		if err != nil {
			continue
		}
		entries = append(entries, DirEntry{Name: string(nameBytes), Ino: ino, Mode: inode.Mode})
	}
	return entries, nil
}

func (f *FS) touchParentLocked(parent int64) {
	if inode, err := f.inodes.Get(parent); err == nil {
		inode.Mtime = now()
		inode.Ctime = now()
		f.inodes.Touch(inode)
	}
}

func (f *FS) createInode(parent int64, name string, mode, uid, gid, rdev uint32) (*inodecache.Inode, error) {
	if f.readOnly {
		return nil, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.lookupLocked(parent, name); err == nil {
		return nil, ErrExists
	}

	ts := now()
	inode, err := f.inodes.Create(inodecache.Inode{
		Mode: mode, Refcount: 1, UID: uid, GID: gid, Rdev: rdev,
		Atime: ts, Mtime: ts, Ctime: ts,
	})
	if err != nil {
		return nil, err
	}
	if err := f.db.Execute("INSERT INTO contents (name, parent_inode, inode) VALUES (?,?,?)",
		[]byte(name), parent, inode.ID); err != nil {
		f.inodes.Delete(inode.ID)
		return nil, err
	}
	f.touchParentLocked(parent)
	f.Stats.mu.Lock()
	f.Stats.Creates++
	f.Stats.mu.Unlock()
	f.signalUpload()
	return inode, nil
}

// Mkdir creates a new directory. mode carries only permission bits.
func (f *FS) Mkdir(parent int64, name string, mode, uid, gid uint32) (*inodecache.Inode, error) {
	return f.createInode(parent, name, syscall.S_IFDIR|(mode&0o7777), uid, gid, 0)
}

// Mknod creates a device/fifo/socket node. mode carries the file-type bits.
func (f *FS) Mknod(parent int64, name string, mode, rdev, uid, gid uint32) (*inodecache.Inode, error) {
	return f.createInode(parent, name, mode, uid, gid, rdev)
}

// Create creates a new regular file.
func (f *FS) Create(parent int64, name string, mode, uid, gid uint32) (*inodecache.Inode, error) {
	return f.createInode(parent, name, syscall.S_IFREG|(mode&0o7777), uid, gid, 0)
}

// Symlink creates a symbolic link whose target is stored as the inode's
// sole block, following the block-content model used for every other
// file (symlinks have no dedicated storage column in this design).
func (f *FS) Symlink(parent int64, name, target string, uid, gid uint32) (*inodecache.Inode, error) {
	inode, err := f.createInode(parent, name, syscall.S_IFLNK|0o777, uid, gid, 0)
	if err != nil {
		return nil, err
	}
	if err := f.blocks.Write(inode.ID, 0, []byte(target)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	inode.Size = int64(len(target))
	f.inodes.Touch(inode)
	f.mu.Unlock()
	return inode, nil
}

// Readlink returns a symlink's stored target.
func (f *FS) Readlink(ctx context.Context, ino int64) (string, error) {
	data, err := f.blocks.Fetch(ctx, ino, 0)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Link creates an additional directory entry for an existing inode.
func (f *FS) Link(parent, target int64, name string) (*inodecache.Inode, error) {
	if f.readOnly {
		return nil, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.lookupLocked(parent, name); err == nil {
		return nil, ErrExists
	}
	inode, err := f.inodes.Get(target)
	if err != nil {
		return nil, err
	}
	if inode.Mode&syscall.S_IFDIR != 0 {
		return nil, ErrIsDir
	}
	if err := f.db.Execute("INSERT INTO contents (name, parent_inode, inode) VALUES (?,?,?)",
		[]byte(name), parent, target); err != nil {
		return nil, err
	}
	inode.Refcount++
	inode.Ctime = now()
	f.inodes.Touch(inode)
	f.touchParentLocked(parent)
	f.signalUpload()
	return inode, nil
}

// Unlink removes a directory entry, reclaiming the inode once its
// refcount reaches zero and no open handle still references it.
func (f *FS) Unlink(ctx context.Context, parent int64, name string) error {
	if f.readOnly {
		return ErrReadOnly
	}
	f.mu.Lock()
	ino, err := f.lookupLocked(parent, name)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	inode, err := f.inodes.Get(ino)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if inode.Mode&syscall.S_IFDIR != 0 {
		f.mu.Unlock()
		return ErrIsDir
	}
	if err := f.db.Execute("DELETE FROM contents WHERE parent_inode=? AND name=?", parent, []byte(name)); err != nil {
		f.mu.Unlock()
		return err
	}
	inode.Refcount--
	inode.Ctime = now()
	f.inodes.Touch(inode)
	shouldReclaim := inode.Refcount == 0 && f.openCount[ino] == 0
	f.touchParentLocked(parent)
	f.Stats.mu.Lock()
	f.Stats.Deletes++
	f.Stats.mu.Unlock()
	f.signalUpload()
	f.mu.Unlock()

	if shouldReclaim {
		return f.reclaimInode(ctx, ino)
	}
	return nil
}

func (f *FS) reclaimInode(ctx context.Context, ino int64) error {
	if err := f.blocks.ReleaseInode(ctx, ino); err != nil {
		return err
	}
	return f.inodes.Delete(ino)
}

// Rmdir removes an empty directory entry.
func (f *FS) Rmdir(ctx context.Context, parent int64, name string) error {
	if f.readOnly {
		return ErrReadOnly
	}
	f.mu.Lock()
	ino, err := f.lookupLocked(parent, name)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	inode, err := f.inodes.Get(ino)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if inode.Mode&syscall.S_IFDIR == 0 {
		f.mu.Unlock()
		return ErrNotDir
	}
	var count int64
	if err := f.db.GetRow([]interface{}{&count}, "SELECT COUNT(*) FROM contents WHERE parent_inode=?", ino); err != nil {
		f.mu.Unlock()
		return err
	}
	if count > 0 {
		f.mu.Unlock()
		return ErrNotEmpty
	}
	if err := f.db.Execute("DELETE FROM contents WHERE parent_inode=? AND name=?", parent, []byte(name)); err != nil {
		f.mu.Unlock()
		return err
	}
	f.touchParentLocked(parent)
	f.Stats.mu.Lock()
	f.Stats.Deletes++
	f.Stats.mu.Unlock()
	f.signalUpload()
	f.mu.Unlock()

	return f.reclaimInode(ctx, ino)
}

// Rename moves an entry, replacing any existing entry at the destination
// (an existing destination directory must be empty; an existing
// destination file is reclaimed like Unlink).
func (f *FS) Rename(ctx context.Context, oldParent int64, oldName string, newParent int64, newName string) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if oldParent == newParent && oldName == newName {
		return nil
	}

	f.mu.Lock()
	ino, err := f.lookupLocked(oldParent, oldName)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if ino == RootIno || ino == CtrlIno {
		f.mu.Unlock()
		return ErrCrossMount
	}

	destIno, destErr := f.lookupLocked(newParent, newName)
	if destErr == nil {
		destInode, err := f.inodes.Get(destIno)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		if destInode.Mode&syscall.S_IFDIR != 0 {
			var count int64
			if err := f.db.GetRow([]interface{}{&count}, "SELECT COUNT(*) FROM contents WHERE parent_inode=?", destIno); err != nil {
				f.mu.Unlock()
				return err
			}
			if count > 0 {
				f.mu.Unlock()
				return ErrNotEmpty
			}
		}
		if err := f.db.Execute("DELETE FROM contents WHERE parent_inode=? AND name=?", newParent, []byte(newName)); err != nil {
			f.mu.Unlock()
			return err
		}
		destInode.Refcount--
		f.inodes.Touch(destInode)
		if destInode.Refcount == 0 && f.openCount[destIno] == 0 {
			defer func(id int64) { f.reclaimInode(ctx, id) }(destIno)
		}
	}

	if err := f.db.Execute("UPDATE contents SET parent_inode=?, name=? WHERE parent_inode=? AND name=?",
		newParent, []byte(newName), oldParent, []byte(oldName)); err != nil {
		f.mu.Unlock()
		return err
	}
	f.touchParentLocked(oldParent)
	f.touchParentLocked(newParent)
	f.signalUpload()
	f.mu.Unlock()
	return nil
}

// Open registers a new handle over ino, tracking it for the
// delete-on-last-close semantics Unlink/Rename rely on.
func (f *FS) Open(ino int64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := f.nextHandle
	f.nextHandle++
	f.handles[handle] = &fileHandle{ino: ino}
	f.openCount[ino]++
	f.Stats.mu.Lock()
	f.Stats.Opens++
	f.Stats.mu.Unlock()
	return handle
}

// Release closes a handle, reclaiming its inode if Unlink left it
// pending deletion and this was the last open reference.
func (f *FS) Release(ctx context.Context, handle uint64) error {
	f.mu.Lock()
	h, ok := f.handles[handle]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.handles, handle)
	f.openCount[h.ino]--
	shouldReclaim := false
	if f.openCount[h.ino] <= 0 {
		delete(f.openCount, h.ino)
		if inode, err := f.inodes.Get(h.ino); err == nil && inode.Refcount == 0 {
			shouldReclaim = true
		}
	}
	f.mu.Unlock()

	if err := f.blocks.FlushInode(ctx, h.ino); err != nil {
		return err
	}
	if shouldReclaim {
		return f.reclaimInode(ctx, h.ino)
	}
	return nil
}

// Fsync flushes a single inode's dirty blocks through the upload pipeline.
func (f *FS) Fsync(ctx context.Context, ino int64) error {
	return f.blocks.FlushInode(ctx, ino)
}

func (f *FS) blockSpan(offset int64, length int) (firstBlock, lastBlock int64) {
	firstBlock = offset / f.blockSize
	lastBlock = (offset + int64(length) - 1) / f.blockSize
	return
}

// Read fills dest starting at offset, stopping early at the inode's
// current size, and returns the number of bytes copied.
func (f *FS) Read(ctx context.Context, ino int64, offset int64, dest []byte) (int, error) {
	start := time.Now()
	inode, err := f.inodes.Get(ino)
	if err != nil {
		return 0, err
	}
	if offset >= inode.Size || len(dest) == 0 {
		return 0, nil
	}
	want := int64(len(dest))
	if offset+want > inode.Size {
		want = inode.Size - offset
	}

	total := 0
	for total < int(want) {
		pos := offset + int64(total)
		blockno := pos / f.blockSize
		inBlock := pos % f.blockSize

		block, err := f.blocks.Fetch(ctx, ino, blockno)
		if err != nil {
			var se *s3qlerrors.S3QLError
			if !errors.As(err, &se) || se.Kind != s3qlerrors.KindNoSuchObject {
				return total, err
			}
			block = nil // sparse block: reads as zero
		}

		n := int(want) - total
		if remain := int(f.blockSize) - int(inBlock); n > remain {
			n = remain
		}

		avail := len(block) - int(inBlock)
		if avail < 0 {
			avail = 0
		}
		if avail > n {
			avail = n
		}
		if avail > 0 {
			copy(dest[total:total+avail], block[inBlock:int(inBlock)+avail])
		}
		// A block shorter than the span we're reading (a partial last
		// block, or a nil block from a sparse/missing extent) reads as
		// zero past its physical length rather than truncating the read.
		for i := avail; i < n; i++ {
			dest[total+i] = 0
		}
		total += n
	}

	f.Stats.recordRead(total, time.Since(start))
	return total, nil
}

// Write overwrites dest at offset, read-modify-writing the blocks it
// touches and extending the inode's size as needed.
func (f *FS) Write(ctx context.Context, ino int64, offset int64, data []byte) (int, error) {
	if f.readOnly {
		return 0, ErrReadOnly
	}
	start := time.Now()
	firstBlock, lastBlock := f.blockSpan(offset, len(data))

	written := 0
	for blockno := firstBlock; blockno <= lastBlock; blockno++ {
		blockStart := blockno * f.blockSize
		current, err := f.blocks.Fetch(ctx, ino, blockno)
		if err != nil {
			var se *s3qlerrors.S3QLError
			if !errors.As(err, &se) || se.Kind != s3qlerrors.KindNoSuchObject {
				return written, err
			}
			current = nil
		}
		buf := make([]byte, f.blockSize)
		copy(buf, current)

		srcOffset := blockStart - offset
		var dstStart, srcStart int64
		if srcOffset < 0 {
			dstStart = -srcOffset
			srcStart = 0
		} else {
			dstStart = 0
			srcStart = srcOffset
		}
		n := int64(len(data)) - srcStart
		if max := f.blockSize - dstStart; n > max {
			n = max
		}
		if n <= 0 {
			continue
		}
		copy(buf[dstStart:dstStart+n], data[srcStart:srcStart+n])

		blockLen := f.blockSize
		if blockno == lastBlock {
			endOff := blockStart + dstStart + n
			if endOff-blockStart < blockLen {
				blockLen = endOff - blockStart
			}
		}
		if err := f.blocks.Write(ino, blockno, buf[:blockLen]); err != nil {
			return written, err
		}
		written += int(n)
	}

	f.mu.Lock()
	inode, err := f.inodes.Get(ino)
	if err == nil {
		if end := offset + int64(len(data)); end > inode.Size {
			inode.Size = end
		}
		inode.Mtime = now()
		inode.Ctime = now()
		f.inodes.Touch(inode)
	}
	f.mu.Unlock()

	f.Stats.recordWrite(written, time.Since(start))
	f.signalUpload()
	return written, nil
}

// Truncate resizes ino, dropping any now-out-of-range cached blocks.
func (f *FS) Truncate(ctx context.Context, ino int64, size int64) error {
	if f.readOnly {
		return ErrReadOnly
	}
	f.mu.Lock()
	inode, err := f.inodes.Get(ino)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	oldSize := inode.Size
	inode.Size = size
	inode.Mtime = now()
	inode.Ctime = now()
	f.inodes.Touch(inode)
	f.mu.Unlock()

	if size < oldSize {
		lastKept := size / f.blockSize
		lastOld := (oldSize - 1) / f.blockSize
		for b := lastKept + 1; b <= lastOld; b++ {
			f.blocks.Remove(ino, b)
		}
		if size%f.blockSize != 0 {
			if block, err := f.blocks.Fetch(ctx, ino, lastKept); err == nil {
				keep := int(size % f.blockSize)
				if keep < len(block) {
					f.blocks.Write(ino, lastKept, block[:keep])
				}
			}
		}
	}
	f.signalUpload()
	return nil
}

// StatFSInfo is the subset of struct statvfs this filesystem can report
// meaningfully for an object-store-backed tree (no fixed block device,
// so free space is reported from the cache's own quota rather than a
// real device).
type StatFSInfo struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	NameMax    uint32
}

// StatFS reports filesystem-wide usage statistics.
func (f *FS) StatFS() (StatFSInfo, error) {
	var fileCount int64
	if err := f.db.GetRow([]interface{}{&fileCount}, "SELECT COUNT(*) FROM inodes"); err != nil {
		return StatFSInfo{}, err
	}
	cacheBytes, _ := f.blocks.Stats()
	return StatFSInfo{
		BlockSize:  uint32(f.blockSize),
		Blocks:     uint64(cacheBytes) / uint64(f.blockSize),
		BlocksFree: 0,
		Files:      uint64(fileCount),
		NameMax:    255,
	}, nil
}

// Destroy flushes every dirty block and inode before shutdown.
func (f *FS) Destroy(ctx context.Context) error {
	if err := f.blocks.FlushAll(ctx); err != nil {
		return err
	}
	return f.inodes.Flush()
}
