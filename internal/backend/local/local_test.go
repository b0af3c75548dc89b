package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3ql-go/s3ql/internal/backend"
)

func TestEscapeUnescapeInvolution(t *testing.T) {
	samples := []string{
		"", "plain", "with/slash", "with=equals", "with#hash",
		"s3ql_data_deadbeef", "=3D literal", "mix/of=all#three",
	}
	for _, s := range samples {
		require.Equal(t, s, unescape(escape(s)), "escape/unescape must be an involution for %q", s)
	}
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	return b
}

func TestOpenWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	w, err := b.OpenWrite(ctx, "s3ql_metadata", map[string]string{"seq_no": "3"})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := b.OpenRead(ctx, "s3ql_metadata")
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, "3", r.Metadata()["seq_no"])
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))
}

func TestOpenWriteDoesNotRenameBeforeWritingBody(t *testing.T) {
	// Regression test for the Open Question: the final path must not
	// exist until the writer has been fully written and closed.
	ctx := context.Background()
	b := newTestBackend(t)

	w, err := b.OpenWrite(ctx, "s3ql_data_abc123", nil)
	require.NoError(t, err)

	finalPath := b.keyToPath("s3ql_data_abc123")
	_, err = os.Stat(finalPath)
	require.True(t, os.IsNotExist(err), "final object path must not exist before Close")

	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(finalPath)
	require.NoError(t, err, "final object path must exist after Close")
}

func TestDeleteForceTreatsNoSuchObjectAsSuccess(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	err := b.Delete(ctx, "missing-key", false)
	require.Error(t, err)

	err = b.Delete(ctx, "missing-key", true)
	require.NoError(t, err)
}

func TestDataKeyShardingIsSingleLevel(t *testing.T) {
	b := newTestBackend(t)
	path := b.keyToPath("s3ql_data_abcdef0123")
	rel, err := filepath.Rel(b.root, path)
	require.NoError(t, err)
	parts := filepath.SplitList(filepath.ToSlash(rel))
	_ = parts
	// Exactly two path components under root: the shard dir and the file.
	segs := bytes.Count([]byte(filepath.ToSlash(rel)), []byte("/"))
	require.Equal(t, 2, segs, "expected <prefix>/<shard>/<key>, got %s", rel)
}

func TestListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for _, key := range []string{"s3ql_metadata", "s3ql_metadata_bak_1", "s3ql_data_aaa111", "s3ql_data_bbb222"} {
		w, err := b.OpenWrite(ctx, key, nil)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	var got []string
	require.NoError(t, b.List(ctx, "s3ql_data_", func(key string) error {
		got = append(got, key)
		return nil
	}))
	require.ElementsMatch(t, []string{"s3ql_data_aaa111", "s3ql_data_bbb222"}, got)
}

var _ backend.Backend = (*Backend)(nil)
