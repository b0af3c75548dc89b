package inodecache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3ql-go/s3ql/internal/metadb"
)

func openTestDB(t *testing.T) *metadb.DB {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "s3ql.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	c := New(db, false)

	inode, err := c.Create(Inode{Mode: 0o100644, Refcount: 1, UID: 1000, GID: 1000, Atime: 1, Mtime: 1, Ctime: 1})
	require.NoError(t, err)
	require.NotZero(t, inode.ID)

	got, err := c.Get(inode.ID)
	require.NoError(t, err)
	require.Equal(t, inode.Mode, got.Mode)
	require.Same(t, inode, got, "repeated Get before eviction must return the same cached pointer")
}

func TestTouchAndFlushWritesBack(t *testing.T) {
	db := openTestDB(t)
	c := New(db, false)

	inode, err := c.Create(Inode{Mode: 0o100644, Refcount: 1, Atime: 1, Mtime: 1, Ctime: 1})
	require.NoError(t, err)

	inode.Size = 4096
	c.Touch(inode)
	require.NoError(t, c.Flush())

	var size int64
	require.NoError(t, db.GetRow([]interface{}{&size}, "SELECT size FROM inodes WHERE id=?", inode.ID))
	require.Equal(t, int64(4096), size)
}

func TestEvictionWritesBackDirtyEntry(t *testing.T) {
	db := openTestDB(t)
	c := New(db, false)

	first, err := c.Create(Inode{Mode: 0o100644, Refcount: 1, Atime: 1, Mtime: 1, Ctime: 1})
	require.NoError(t, err)
	first.Size = 777
	c.Touch(first)

	// Force CacheSize further creates so `first` is evicted from the ring.
	for i := 0; i < CacheSize; i++ {
		_, err := c.Create(Inode{Mode: 0o100644, Refcount: 1, Atime: 1, Mtime: 1, Ctime: 1})
		require.NoError(t, err)
	}

	var size int64
	require.NoError(t, db.GetRow([]interface{}{&size}, "SELECT size FROM inodes WHERE id=?", first.ID))
	require.Equal(t, int64(777), size)
}

func TestDeleteRemovesRow(t *testing.T) {
	db := openTestDB(t)
	c := New(db, false)

	inode, err := c.Create(Inode{Mode: 0o100644, Refcount: 1, Atime: 1, Mtime: 1, Ctime: 1})
	require.NoError(t, err)
	require.NoError(t, c.Delete(inode.ID))

	var mode int64
	err = db.GetRow([]interface{}{&mode}, "SELECT mode FROM inodes WHERE id=?", inode.ID)
	require.Error(t, err)
}

func TestDestroyFlushesAndMarksDestroyed(t *testing.T) {
	db := openTestDB(t)
	c := New(db, false)

	inode, err := c.Create(Inode{Mode: 0o100644, Refcount: 1, Atime: 1, Mtime: 1, Ctime: 1})
	require.NoError(t, err)
	inode.Size = 42
	c.Touch(inode)

	require.False(t, c.Destroyed())
	require.NoError(t, c.Destroy())
	require.True(t, c.Destroyed())

	var size int64
	require.NoError(t, db.GetRow([]interface{}{&size}, "SELECT size FROM inodes WHERE id=?", inode.ID))
	require.Equal(t, int64(42), size)
}
