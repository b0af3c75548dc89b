// Package crypt wraps a backend.Backend with encryption and compression: it
// presents the same interface as the wrapped backend, transparently
// encrypting the byte stream with a per-filesystem data key, compressing
// with a chosen algorithm, and storing algorithm and IV in the object
// metadata map.
//
// The AES-256-GCM scheme (nonce prepended to ciphertext) is grounded on
// _examples/cuemby-warren/pkg/security/secrets.go's SecretsManager, adapted
// to take an explicit per-filesystem DataKey at construction instead of a
// package-level global key variable.
package crypt

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/s3ql-go/s3ql/internal/backend"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

const component = "backend.crypt"

// Algorithm names.
const (
	AlgoNone  = "none"
	AlgoZlib  = "zlib"
	AlgoBzip2 = "bzip2"
	AlgoLZMA  = "lzma"
)

// DataKey is the 32-byte AES-256 key used to encrypt every object this
// filesystem writes. It is generated once at mkfs time and persisted as the
// `s3ql_passphrase` backend object, itself encrypted under a user-supplied
// passphrase (see WrapDataKey/UnwrapDataKey).
type DataKey [32]byte

// NewDataKey generates a fresh random data key.
func NewDataKey() (DataKey, error) {
	var k DataKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("generating data key: %w", err)
	}
	return k, nil
}

// keyFromPassphrase derives a 32-byte AES key from a user passphrase via
// SHA-256, exactly the NewSecretsManagerFromPassword pattern.
func keyFromPassphrase(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

// WrapDataKey encrypts a DataKey under a passphrase-derived key, producing
// the bytes stored as the `s3ql_passphrase` object.
func WrapDataKey(key DataKey, passphrase string) ([]byte, error) {
	wrapKey := keyFromPassphrase(passphrase)
	return seal(wrapKey[:], key[:])
}

// UnwrapDataKey reverses WrapDataKey.
func UnwrapDataKey(wrapped []byte, passphrase string) (DataKey, error) {
	wrapKey := keyFromPassphrase(passphrase)
	plain, err := open(wrapKey[:], wrapped)
	if err != nil {
		return DataKey{}, err
	}
	var k DataKey
	if len(plain) != len(k) {
		return k, fmt.Errorf("unwrapped data key has wrong length %d", len(plain))
	}
	copy(k[:], plain)
	return k, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// Backend wraps an underlying backend.Backend, transparently compressing
// and encrypting object bodies on write and reversing that on read.
type Backend struct {
	inner     backend.Backend
	key       DataKey
	algorithm string
}

// New wraps inner with encryption under key and compression using
// algorithm (one of AlgoNone, AlgoZlib, AlgoLZMA — AlgoBzip2 is accepted
// only for reading existing objects, never chosen for new writes, per
// DESIGN.md Open Question #4).
func New(inner backend.Backend, key DataKey, algorithm string) (*Backend, error) {
	switch algorithm {
	case AlgoNone, AlgoZlib, AlgoLZMA:
	default:
		return nil, s3qlerrors.New(s3qlerrors.KindPermanent, component, "New",
			fmt.Sprintf("algorithm %q is not writable (bzip2 is decode-only; see DESIGN.md)", algorithm))
	}
	return &Backend{inner: inner, key: key, algorithm: algorithm}, nil
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Lookup(ctx context.Context, key string) (map[string]string, error) {
	return b.inner.Lookup(ctx, key)
}

type plainReader struct {
	io.ReadCloser
	meta map[string]string
}

func (r *plainReader) Metadata() map[string]string { return r.meta }

func (b *Backend) OpenRead(ctx context.Context, key string) (backend.ObjectReader, error) {
	raw, err := b.inner.OpenRead(ctx, key)
	if err != nil {
		return nil, err
	}
	meta := raw.Metadata()
	ciphertext, err := io.ReadAll(raw)
	raw.Close()
	if err != nil {
		return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "OpenRead", err)
	}

	plaintext, err := open(b.key[:], ciphertext)
	if err != nil {
		return nil, s3qlerrors.Wrap(s3qlerrors.KindCorruption, component, "OpenRead", err)
	}

	decompressed, err := decompress(plaintext, meta["compression"])
	if err != nil {
		return nil, s3qlerrors.Wrap(s3qlerrors.KindCorruption, component, "OpenRead", err)
	}

	return &plainReader{ReadCloser: io.NopCloser(bytes.NewReader(decompressed)), meta: meta}, nil
}

type plainWriter struct {
	b    *Backend
	key  string
	meta map[string]string
	buf  bytes.Buffer
}

func (w *plainWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *plainWriter) Close() error {
	compressed, err := compress(w.buf.Bytes(), w.b.algorithm)
	if err != nil {
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Close", err)
	}
	ciphertext, err := seal(w.b.key[:], compressed)
	if err != nil {
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Close", err)
	}
	meta := map[string]string{}
	for k, v := range w.meta {
		meta[k] = v
	}
	meta["compression"] = w.b.algorithm
	meta["encrypted"] = "true"
	meta["format_revision"] = "1"

	out, err := w.b.inner.OpenWrite(context.Background(), w.key, meta)
	if err != nil {
		return err
	}
	if _, err := out.Write(ciphertext); err != nil {
		out.Close()
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Close", err)
	}
	return out.Close()
}

func (b *Backend) OpenWrite(ctx context.Context, key string, metadata map[string]string) (backend.ObjectWriter, error) {
	return &plainWriter{b: b, key: key, meta: metadata}, nil
}

func (b *Backend) Delete(ctx context.Context, key string, force bool) error {
	return b.inner.Delete(ctx, key, force)
}

func (b *Backend) List(ctx context.Context, prefix string, fn func(key string) error) error {
	return b.inner.List(ctx, prefix, fn)
}

func (b *Backend) Copy(ctx context.Context, src, dst string) error {
	return b.inner.Copy(ctx, src, dst)
}

func (b *Backend) Rename(ctx context.Context, src, dst string) error {
	return b.inner.Rename(ctx, src, dst)
}

func (b *Backend) Contains(ctx context.Context, key string) (bool, error) {
	return b.inner.Contains(ctx, key)
}

func (b *Backend) IsGetConsistent() bool        { return b.inner.IsGetConsistent() }
func (b *Backend) IsListCreateConsistent() bool { return b.inner.IsListCreateConsistent() }

func compress(data []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case AlgoNone:
		return data, nil
	case AlgoZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgoLZMA:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported write-time compression algorithm %q", algorithm)
	}
}

func decompress(data []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case "", AlgoNone:
		return data, nil
	case AlgoZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case AlgoLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case AlgoBzip2:
		// Decode-only: no Go bzip2 encoder exists in this pack or the
		// standard library (DESIGN.md Open Question #4).
		return io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}
