// Package backend defines the object-store contract every driver (local
// directory, S3, and the crypto/compress wrapper) implements.
package backend

import (
	"context"
	"io"
)

// ObjectReader is what open_read returns: a readable stream with its
// attached metadata map (replacing the file-like "open" return of the
// source idiom with an explicit handle type).
type ObjectReader interface {
	io.ReadCloser
	Metadata() map[string]string
}

// ObjectWriter is what open_write returns. Callers write the full object
// body and then Close; the object becomes visible atomically on Close
// (see DESIGN.md's Open Question #1 for the write-then-rename ordering).
type ObjectWriter interface {
	io.WriteCloser
}

// Backend is the object-store interface every driver presents. Every
// operation may fail with an *errors.S3QLError of KindTransient
// (retryable), KindPermanent, or KindNoSuchObject.
type Backend interface {
	// Lookup returns an object's metadata map without reading its body.
	Lookup(ctx context.Context, key string) (map[string]string, error)

	// OpenRead opens a readable stream for key.
	OpenRead(ctx context.Context, key string) (ObjectReader, error)

	// OpenWrite opens a writable stream for key. metadata is attached to
	// the object once the writer is closed. An existing object at key is
	// replaced.
	OpenWrite(ctx context.Context, key string, metadata map[string]string) (ObjectWriter, error)

	// Delete removes key. If force is true, a KindNoSuchObject outcome
	// (including one surfaced by a concurrent/eventually consistent
	// backend) is treated as success rather than an error (DESIGN.md Open
	// Question #2).
	Delete(ctx context.Context, key string, force bool) error

	// List returns every key with the given prefix, in an unspecified but
	// stable order, as a lazily-produced sequence via the callback fn. If
	// fn returns an error, List stops and returns it.
	List(ctx context.Context, prefix string, fn func(key string) error) error

	// Copy duplicates src's contents and metadata to dst.
	Copy(ctx context.Context, src, dst string) error

	// Rename moves src to dst, replacing any object at dst.
	Rename(ctx context.Context, src, dst string) error

	// Contains reports whether key exists.
	Contains(ctx context.Context, key string) (bool, error)

	// IsGetConsistent reports whether a successful Lookup/OpenRead
	// immediately after a successful write is guaranteed to observe that
	// write (read-after-write consistency).
	IsGetConsistent() bool

	// IsListCreateConsistent reports whether a List immediately after a
	// successful write is guaranteed to observe the new key.
	IsListCreateConsistent() bool
}

// Reserved backend object keys.
const (
	KeyMetadata     = "s3ql_metadata"
	KeyMetadataBak1 = "s3ql_metadata_bak_1"
	KeyMetadataBak2 = "s3ql_metadata_bak_2"
	KeyPassphrase   = "s3ql_passphrase"
	DataKeyPrefix   = "s3ql_data_"
	SeqNoPrefix     = "s3ql_seq_no_"
)
