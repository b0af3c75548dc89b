package lifecycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3ql-go/s3ql/internal/backend/local"
	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/internal/metadb"
)

func TestDetermineThreadsNoMemCapDoublesCores(t *testing.T) {
	got := DetermineThreads("zlib", 0)
	require.Equal(t, 2*runtime.NumCPU(), got)
}

func TestDetermineThreadsCapsForLzmaOnLowMemory(t *testing.T) {
	got := DetermineThreads("lzma", 64*1024*1024)
	require.Equal(t, 1, got)
}

func TestSeqNoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	be, err := local.New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	n, err := GetSeqNo(ctx, be)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	require.NoError(t, WriteSeqNoMarker(ctx, be, 1))
	require.NoError(t, WriteSeqNoMarker(ctx, be, 3))
	require.NoError(t, WriteSeqNoMarker(ctx, be, 2))

	n, err = GetSeqNo(ctx, be)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	require.NoError(t, DeleteSeqNoMarker(ctx, be, 3))
	n, err = GetSeqNo(ctx, be)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestCycleMetadataSkipsMissingGenerations(t *testing.T) {
	dir := t.TempDir()
	be, err := local.New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, CycleMetadata(ctx, be))

	w, err := be.OpenWrite(ctx, "s3ql_metadata", nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("v1"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, CycleMetadata(ctx, be))
	ok, err := be.Contains(ctx, "s3ql_metadata_bak_1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMkfsThenGetMetadata(t *testing.T) {
	dir := t.TempDir()
	backendDir := filepath.Join(dir, "backend")
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o700))

	be, err := local.New(backendDir)
	require.NoError(t, err)
	ctx := context.Background()

	params, err := Mkfs(ctx, be, filepath.Join(cacheDir, "s3ql.db"), MkfsConfig{
		Label:           "test",
		BlockSize:       128 * 1024,
		Plain:           true,
		LocalParamsPath: filepath.Join(cacheDir, ".params"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), params.SeqNo)
	require.Equal(t, config.CurrentFSRev, params.Revision)

	got, db, err := GetMetadata(ctx, be, cacheDir, nil)
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, int64(2), got.SeqNo)
	require.False(t, got.NeedsFsck)

	var count int
	rows, err := db.GetList(1, "SELECT COUNT(*) FROM inodes")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	count = int(rows[0][0].(int64))
	require.Equal(t, 2, count)
}

func TestMkfsWithoutForceRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	be, err := local.New(filepath.Join(dir, "backend"))
	require.NoError(t, err)
	ctx := context.Background()

	w, err := be.OpenWrite(ctx, "s3ql_metadata", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Mkfs(ctx, be, filepath.Join(dir, "s3ql.db"), MkfsConfig{Plain: true})
	require.Error(t, err)
}

func TestMetadataDumpRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := metadb.Open(filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Execute("INSERT INTO inodes (id, mode, refcount, uid, gid, atime, mtime, ctime) VALUES (1,16877,1,0,0,0,0,0)"))
	require.NoError(t, db.Execute("INSERT INTO objects (id, hash, refcount, size) VALUES (1, ?, 1, 5)", []byte("hash")))
	require.NoError(t, db.Execute("INSERT INTO extents (inode, blockno, obj_id) VALUES (1,0,1)"))

	buf := &fileBuffer{}
	require.NoError(t, DumpMetadata(db, buf))

	db2, err := metadb.Open(filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, RestoreMetadata(buf, db2))

	rows, err := db2.GetList(1, "SELECT COUNT(*) FROM inodes")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0][0].(int64))
}

func TestRotateBackupShiftsGenerationsAndDropsOldest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".params")

	require.NoError(t, os.WriteFile(path+".2", []byte("gen2"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("current"), 0o600))

	require.NoError(t, rotateBackup(path))

	data, err := os.ReadFile(path + ".0")
	require.NoError(t, err)
	require.Equal(t, "current", string(data))

	data, err = os.ReadFile(path + ".3")
	require.NoError(t, err)
	require.Equal(t, "gen2", string(data))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

type fileBuffer struct {
	data []byte
	pos  int
}

func (b *fileBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *fileBuffer) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
