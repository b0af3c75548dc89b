// Package inodecache implements the write-behind inode attribute cache
// described in original_source/src/s3ql/inode_cache.py: a fixed-size ring
// buffer of the most recently touched inodes, with dirty rows flushed to
// the inodes table only when evicted or explicitly flushed. This avoids a
// SQL UPDATE on every atime/mtime touch, which original_source's own
// module comment calls out as the reason the cache exists.
package inodecache

import (
	"math/rand"
	"sync"

	"github.com/s3ql-go/s3ql/internal/metadb"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

const component = "inodecache"

// CacheSize mirrors inode_cache.py's CACHE_SIZE.
const CacheSize = 100

// Inode is the in-memory mirror of one row of the inodes table, plus a
// dirty flag tracking whether it has been modified since it was last
// written back. original_source uses TIMEZONE-adjusted timestamps purely
// to round-trip through a local SQLite build that stores local time;
// this port stores atime/mtime/ctime as the UTC epoch seconds the caller
// supplies and performs no timezone conversion.
type Inode struct {
	ID       int64
	Mode     uint32
	Refcount uint32
	UID      uint32
	GID      uint32
	Size     int64
	Locked   bool
	Rdev     uint32
	Atime    int64
	Mtime    int64
	Ctime    int64

	dirty bool
}

// Nlink, Blocks, Blksize and Generation mirror the synthetic st_* fields
// inode_cache.py's _Inode.__getattr__ derives rather than stores.
func (i *Inode) Nlink() uint32    { return i.Refcount }
func (i *Inode) Blocks() int64    { return i.Size / 512 }
func (i *Inode) Blksize() uint32  { return 128 * 1024 }
func (i *Inode) Generation() uint32 { return 1 }

func (i *Inode) copy() *Inode {
	c := *i
	return &c
}

// Cache maps inode ids to their cached *Inode, evicting the
// least-recently-fetched entry (by fetch order, not access recency —
// inode_cache.py's docstring is explicit that "accessing cached rows
// will not change the order of their expiration").
type Cache struct {
	mu         sync.Mutex
	db         *metadb.DB
	attrs      map[int64]*Inode
	cachedRows []int64 // 0 means "empty slot"
	pos        int
	randomize  bool
	destroyed  bool
}

// New builds a Cache of CacheSize slots over db. randomize selects
// random rather than sequential new inode ids (RANDOMIZE_INODES in the
// original, intended for NFS export).
func New(db *metadb.DB, randomize bool) *Cache {
	return &Cache{
		db:         db,
		attrs:      make(map[int64]*Inode),
		cachedRows: make([]int64, CacheSize),
		randomize:  randomize,
	}
}

// OutOfInodesError mirrors OutOfInodesError in the original.
type OutOfInodesError struct{}

func (OutOfInodesError) Error() string { return "could not find a free inode id" }

const inodeColumns = "mode, refcount, uid, gid, size, locked, rdev, atime, mtime, ctime, id"
const inodeUpdateColumns = "mode=?, refcount=?, uid=?, gid=?, size=?, locked=?, rdev=?, atime=?, mtime=?, ctime=?"

func scanInode(dest []interface{}) *Inode {
	boolFromInt64 := func(v interface{}) bool {
		n, _ := v.(int64)
		return n != 0
	}
	u32 := func(v interface{}) uint32 {
		n, _ := v.(int64)
		return uint32(n)
	}
	i64 := func(v interface{}) int64 {
		n, _ := v.(int64)
		return n
	}
	return &Inode{
		Mode:     u32(dest[0]),
		Refcount: u32(dest[1]),
		UID:      u32(dest[2]),
		GID:      u32(dest[3]),
		Size:     i64(dest[4]),
		Locked:   boolFromInt64(dest[5]),
		Rdev:     u32(dest[6]),
		Atime:    i64(dest[7]),
		Mtime:    i64(dest[8]),
		Ctime:    i64(dest[9]),
		ID:       i64(dest[10]),
	}
}

func (c *Cache) fetch(id int64) (*Inode, error) {
	dest := make([]interface{}, 11)
	ptrs := make([]interface{}, 11)
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	query := "SELECT " + inodeColumns + " FROM inodes WHERE id=?"
	if err := c.db.GetRow(ptrs, query, id); err != nil {
		return nil, err
	}
	return scanInode(dest), nil
}

// Get returns the Inode for id, fetching and caching it on a miss and
// evicting the oldest cached entry (writing it back if dirty) to make
// room, exactly mirroring __getitem__.
func (c *Cache) Get(id int64) (*Inode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if inode, ok := c.attrs[id]; ok {
		return inode, nil
	}

	inode, err := c.fetch(id)
	if err != nil {
		return nil, err
	}

	oldID := c.cachedRows[c.pos]
	c.cachedRows[c.pos] = id
	c.pos = (c.pos + 1) % CacheSize
	if oldID != 0 {
		if old, ok := c.attrs[oldID]; ok {
			delete(c.attrs, oldID)
			if err := c.writeBack(old); err != nil {
				return nil, err
			}
		}
	}
	c.attrs[id] = inode
	return inode, nil
}

// Delete removes an inode row entirely, mirroring __delitem__.
func (c *Cache) Delete(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Execute("DELETE FROM inodes WHERE id=?", id); err != nil {
		return err
	}
	delete(c.attrs, id)
	return nil
}

// Create inserts a new inode row with the given attributes (zero-valued
// ID/dirty are ignored) and returns the cached Inode for its new id,
// mirroring create_inode. When randomize is set, mirrors RANDOMIZE_INODES:
// up to 100 attempts at a random uint32 id before giving up with
// OutOfInodesError.
func (c *Cache) Create(attrs Inode) (*Inode, error) {
	c.mu.Lock()
	const insertWithID = "INSERT INTO inodes (id, mode, refcount, uid, gid, size, locked, rdev, atime, mtime, ctime) VALUES (?,?,?,?,?,?,?,?,?,?,?)"
	if c.randomize {
		for attempt := 0; attempt < 100; attempt++ {
			id := int64(rand.Uint32())
			err := c.db.Execute(insertWithID,
				id, attrs.Mode, attrs.Refcount, attrs.UID, attrs.GID, attrs.Size, boolToInt(attrs.Locked), attrs.Rdev, attrs.Atime, attrs.Mtime, attrs.Ctime)
			if err == nil {
				c.mu.Unlock()
				return c.Get(id)
			}
		}
		c.mu.Unlock()
		return nil, s3qlerrors.Wrap(s3qlerrors.KindResourceExhaustion, component, "Create", OutOfInodesError{})
	}

	id, err := c.db.RowID(
		"INSERT INTO inodes (mode, refcount, uid, gid, size, locked, rdev, atime, mtime, ctime) VALUES (?,?,?,?,?,?,?,?,?,?)",
		attrs.Mode, attrs.Refcount, attrs.UID, attrs.GID, attrs.Size, boolToInt(attrs.Locked), attrs.Rdev, attrs.Atime, attrs.Mtime, attrs.Ctime)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Get(id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Touch marks inode as dirty so the next eviction or Flush writes it
// back. Call after mutating any field returned by Get.
func (c *Cache) Touch(inode *Inode) { inode.dirty = true }

func (c *Cache) writeBack(inode *Inode) error {
	if !inode.dirty {
		return nil
	}
	inode.dirty = false
	snap := inode.copy()
	return c.db.Execute(
		"UPDATE inodes SET "+inodeUpdateColumns+" WHERE id=?",
		snap.Mode, snap.Refcount, snap.UID, snap.GID, snap.Size, boolToInt(snap.Locked), snap.Rdev, snap.Atime, snap.Mtime, snap.Ctime, snap.ID)
}

// FlushID writes back a single inode's row if it is cached and dirty,
// mirroring flush_id (used before operations that read the inodes table
// directly via SQL, bypassing the cache).
func (c *Cache) FlushID(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inode, ok := c.attrs[id]; ok {
		return c.writeBack(inode)
	}
	return nil
}

// Flush writes back every dirty cached inode without evicting them,
// mirroring flush().
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.cachedRows {
		if id == 0 {
			continue
		}
		if inode, ok := c.attrs[id]; ok {
			if err := c.writeBack(inode); err != nil {
				return err
			}
		}
	}
	return nil
}

// Destroy flushes every cached row and marks the cache unusable,
// mirroring destroy(). original_source raises RuntimeError from __del__
// if destroy() was never called; Go has no destructor equivalent, so
// callers that skip Destroy are instead flagged via Destroyed/leak
// detection at the call site (internal/lifecycle logs a warning if a
// mount shuts down with a non-destroyed Cache).
func (c *Cache) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	for i, id := range c.cachedRows {
		c.cachedRows[i] = 0
		if id == 0 {
			continue
		}
		if inode, ok := c.attrs[id]; ok {
			delete(c.attrs, id)
			if err := c.writeBack(inode); err != nil {
				return err
			}
		}
	}
	c.attrs = nil
	c.destroyed = true
	return nil
}

// Destroyed reports whether Destroy has already run, so lifecycle
// shutdown code can warn on a leaked cache instead of panicking.
func (c *Cache) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}
