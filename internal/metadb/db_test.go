package metadb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "s3ql.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.IntegrityCheck())
}

func TestInsertAndGetRow(t *testing.T) {
	db := openTestDB(t)

	id, err := db.RowID(
		`INSERT INTO inodes (mode, refcount, uid, gid, atime, mtime, ctime) VALUES (?,?,?,?,?,?,?)`,
		0o40755, 1, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	var mode, refcount int64
	err = db.GetRow([]interface{}{&mode, &refcount},
		`SELECT mode, refcount FROM inodes WHERE id = ?`, id)
	require.NoError(t, err)
	require.Equal(t, int64(0o40755), mode)
	require.Equal(t, int64(1), refcount)
}

func TestGetRowNoRowsReturnsNoSuchObject(t *testing.T) {
	db := openTestDB(t)
	var mode int64
	err := db.GetRow([]interface{}{&mode}, `SELECT mode FROM inodes WHERE id = ?`, 999)
	require.Error(t, err)
}

func TestGetListAndUniqueConstraint(t *testing.T) {
	db := openTestDB(t)

	rootID, err := db.RowID(
		`INSERT INTO inodes (mode, refcount, uid, gid, atime, mtime, ctime) VALUES (?,?,?,?,?,?,?)`,
		0o40755, 2, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	childID, err := db.RowID(
		`INSERT INTO inodes (mode, refcount, uid, gid, atime, mtime, ctime) VALUES (?,?,?,?,?,?,?)`,
		0o100644, 1, 0, 0, 0, 0, 0)
	require.NoError(t, err)

	require.NoError(t, db.Execute(
		`INSERT INTO contents (name, parent_inode, inode) VALUES (?,?,?)`, "foo.txt", rootID, childID))

	err = db.Execute(`INSERT INTO contents (name, parent_inode, inode) VALUES (?,?,?)`, "foo.txt", rootID, childID)
	require.Error(t, err)

	rows, err := db.GetList(2, `SELECT name, inode FROM contents WHERE parent_inode = ?`, rootID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestEnableDisableNFSIndex(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnableNFSIndex())
	require.NoError(t, db.DisableNFSIndex())
}
