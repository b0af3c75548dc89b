package crypt

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3ql-go/s3ql/internal/backend/local"
)

func TestWrapUnwrapDataKeyRoundTrip(t *testing.T) {
	key, err := NewDataKey()
	require.NoError(t, err)

	wrapped, err := WrapDataKey(key, "correct horse battery staple")
	require.NoError(t, err)

	got, err := UnwrapDataKey(wrapped, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, key, got)

	_, err = UnwrapDataKey(wrapped, "wrong passphrase")
	require.Error(t, err)
}

func TestEncryptCompressRoundTrip(t *testing.T) {
	for _, algo := range []string{AlgoNone, AlgoZlib, AlgoLZMA} {
		algo := algo
		t.Run(algo, func(t *testing.T) {
			dir := t.TempDir()
			inner, err := local.New(dir)
			require.NoError(t, err)

			key, err := NewDataKey()
			require.NoError(t, err)
			b, err := New(inner, key, algo)
			require.NoError(t, err)

			ctx := context.Background()
			w, err := b.OpenWrite(ctx, "s3ql_data_abc", map[string]string{"x": "y"})
			require.NoError(t, err)
			_, err = w.Write([]byte("the quick brown fox jumps over the lazy dog"))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := b.OpenRead(ctx, "s3ql_data_abc")
			require.NoError(t, err)
			defer r.Close()
			body, err := io.ReadAll(r)
			require.NoError(t, err)
			require.Equal(t, "the quick brown fox jumps over the lazy dog", string(body))
			require.Equal(t, "y", r.Metadata()["x"])
			require.Equal(t, algo, r.Metadata()["compression"])
		})
	}
}

func TestBzip2NotWritable(t *testing.T) {
	dir := t.TempDir()
	inner, err := local.New(dir)
	require.NoError(t, err)
	key, err := NewDataKey()
	require.NoError(t, err)
	_, err = New(inner, key, AlgoBzip2)
	require.Error(t, err)
}
