package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/backend/crypt"
	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/metadb/inodecache"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// MkfsConfig is mkfs's input, mirroring the options
// original_source/src/s3ql/cli/mkfs.py accepts on its command line.
type MkfsConfig struct {
	// LocalParamsPath is where the `.params` file is written (next to the
	// cache directory the eventual mount will use).
	LocalParamsPath string
	Label           string
	BlockSize       int64
	Force           bool
	Plain           bool // skip passphrase/encryption entirely
	Passphrase      string
	// Compress selects the algorithm the crypt wrapper uses once the
	// data key exists; defaults to crypt.AlgoLZMA, original mkfs.py's
	// hardcoded choice of 'bzip2' is not used since bzip2 is decode-only
	// here (DESIGN.md Open Question #4).
	Compress string
	Logger   *slog.Logger
}

// Mkfs turns an empty (or --force, non-empty) backend into a fresh, empty
// filesystem: it clears any existing s3ql objects, lays down the metadata
// schema, creates the root and control inodes, claims seq_no 1, and
// uploads the first metadata snapshot. Grounded on mkfs.py's init_tables/
// create_tables path and its passphrase generation/wrapping sequence.
func Mkfs(ctx context.Context, be backend.Backend, dbPath string, cfg MkfsConfig) (*config.FSParams, error) {
	log := orDefaultLogger(cfg.Logger)

	if ok, err := be.Contains(ctx, backend.KeyMetadata); err != nil {
		return nil, err
	} else if ok {
		if !cfg.Force {
			return nil, s3qlerrors.New(s3qlerrors.KindPermanent, component, "Mkfs",
				"backend already contains a filesystem, use --force to overwrite")
		}
		log.Warn("clearing existing filesystem", "component", component)
		if err := clearBackend(ctx, be); err != nil {
			return nil, err
		}
	}

	_ = os.Remove(dbPath)
	db, err := metadb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	inodes := inodecache.New(db, false)
	ts := now()
	root, err := inodes.Create(inodecache.Inode{
		Mode: syscall.S_IFDIR | 0o755, Refcount: 1,
		Atime: ts, Mtime: ts, Ctime: ts,
	})
	if err != nil {
		return nil, err
	}
	if root.ID != 1 {
		return nil, s3qlerrors.New(s3qlerrors.KindPermanent, component, "Mkfs",
			fmt.Sprintf("root inode got id %d, expected 1", root.ID))
	}
	ctrl, err := inodes.Create(inodecache.Inode{
		Mode: syscall.S_IFREG | 0o600, Refcount: 1,
		Atime: ts, Mtime: ts, Ctime: ts,
	})
	if err != nil {
		return nil, err
	}
	if ctrl.ID != 2 {
		return nil, s3qlerrors.New(s3qlerrors.KindPermanent, component, "Mkfs",
			fmt.Sprintf("control inode got id %d, expected 2", ctrl.ID))
	}
	if err := inodes.Flush(); err != nil {
		return nil, err
	}

	// uploadBE is the backend uploadMetadata below writes through: the
	// raw backend for a --plain filesystem, or a crypt.Backend freshly
	// wrapped around the data key this call just generated for an
	// encrypted one. It cannot be the caller's problem to supply this,
	// since the key does not exist until this function creates it.
	uploadBE := be

	if !cfg.Plain {
		if cfg.Passphrase == "" {
			return nil, s3qlerrors.New(s3qlerrors.KindPermanent, component, "Mkfs",
				"a passphrase is required unless mkfs is run with --plain")
		}
		key, err := crypt.NewDataKey()
		if err != nil {
			return nil, err
		}
		wrapped, err := crypt.WrapDataKey(key, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		// The passphrase object holds the wrapped key itself, so it is
		// written through the raw backend: wrapping it under the crypt
		// layer keyed by the same data key would be circular.
		w, err := be.OpenWrite(ctx, backend.KeyPassphrase, nil)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(wrapped); err != nil {
			w.Close()
			return nil, s3qlerrors.Wrap(s3qlerrors.KindTransient, component, "Mkfs", err)
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		compress := cfg.Compress
		if compress == "" {
			compress = crypt.AlgoLZMA
		}
		uploadBE, err = crypt.New(be, key, compress)
		if err != nil {
			return nil, err
		}
	}

	if err := WriteSeqNoMarker(ctx, be, 1); err != nil {
		return nil, err
	}

	params := &config.FSParams{
		Label:        cfg.Label,
		Revision:     config.CurrentFSRev,
		SeqNo:        1,
		BlockSize:    cfg.BlockSize,
		NeedsFsck:    false,
		LastFsck:     ts,
		LastModified: ts,
	}

	if err := uploadMetadata(ctx, uploadBE, db, params); err != nil {
		return nil, err
	}

	if cfg.LocalParamsPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LocalParamsPath), 0o700); err != nil {
			return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Mkfs", err)
		}
		if err := params.Save(cfg.LocalParamsPath); err != nil {
			return nil, err
		}
	}

	return params, nil
}

// uploadMetadata dumps db to a temporary buffer and uploads it as the
// live s3ql_metadata object, tagged with params' serialized values.
func uploadMetadata(ctx context.Context, be backend.Backend, db *metadb.DB, params *config.FSParams) error {
	w, err := be.OpenWrite(ctx, backend.KeyMetadata, params.ToMetadata())
	if err != nil {
		return err
	}
	if err := DumpMetadata(db, w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// clearBackend removes every s3ql-owned object ahead of a forced mkfs,
// mirroring mkfs.py's "clear the bucket" branch under --force.
func clearBackend(ctx context.Context, be backend.Backend) error {
	prefixes := []string{backend.DataKeyPrefix, backend.SeqNoPrefix, backend.KeyMetadata,
		backend.KeyMetadataBak1, backend.KeyMetadataBak2, backend.KeyPassphrase}
	for _, p := range prefixes {
		if err := be.List(ctx, p, func(key string) error {
			return be.Delete(ctx, key, true)
		}); err != nil {
			return err
		}
	}
	return nil
}
