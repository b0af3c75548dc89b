package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/internal/metadb"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// Fsck checks and repairs the metadata of an unmounted filesystem,
// grounded on fsck.py's main().
type Fsck struct {
	Backend    backend.Backend
	StorageURL string
	CacheDir   string
	Force      bool
	Batch      bool
	Logger     *slog.Logger
}

// CheckNotMounted refuses to proceed if StorageURL appears as a device
// field in /proc/mounts, the same guard fsck.py and umount.py both run
// before touching anything.
func CheckNotMounted(storageURL string) error {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "CheckNotMounted", err)
	}
	prefix := storageURL + " "
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), prefix) {
			return s3qlerrors.New(s3qlerrors.KindPermanent, component, "CheckNotMounted",
				fmt.Sprintf("%s is currently mounted, unmount it first", storageURL))
		}
	}
	return nil
}

// Run performs the check, downloading metadata from the backend only if
// the local cache is missing or stale.
func (c *Fsck) Run(ctx context.Context) error {
	log := orDefaultLogger(c.Logger)

	if err := CheckNotMounted(c.StorageURL); err != nil {
		return err
	}

	seqNo, err := GetSeqNo(ctx, c.Backend)
	if err != nil {
		return err
	}

	paramsPath := filepath.Join(c.CacheDir, ".params")
	dbPath := filepath.Join(c.CacheDir, "s3ql.db")

	var params *config.FSParams
	var db *metadb.DB
	usingCache := false

	if cached, err := config.LoadParams(paramsPath); err == nil {
		if cached.SeqNo < seqNo {
			log.Info("ignoring locally cached metadata (outdated)", "component", component)
		} else {
			log.Info("using cached metadata", "component", component)
			db, err = metadb.Open(dbPath)
			if err != nil {
				return err
			}
			params = cached
			usingCache = true
		}
	}

	if params == nil {
		meta, err := c.Backend.Lookup(ctx, backend.KeyMetadata)
		if err != nil {
			return err
		}
		params, err = paramsFromMetadata(meta)
		if err != nil {
			return err
		}
	} else if remoteMeta, err := c.Backend.Lookup(ctx, backend.KeyMetadata); err == nil {
		remote, rerr := paramsFromMetadata(remoteMeta)
		if rerr == nil && remote.SeqNo != params.SeqNo {
			log.Warn("remote metadata is newer than the local cache", "component", component)
			params.NeedsFsck = true
		}
	}

	if params.Revision < config.CurrentFSRev {
		return s3qlerrors.New(s3qlerrors.KindPermanent, component, "Fsck",
			fmt.Sprintf("metadata revision %d is older than this build requires (%d)", params.Revision, config.CurrentFSRev))
	}
	if params.Revision > config.CurrentFSRev {
		return s3qlerrors.New(s3qlerrors.KindPermanent, component, "Fsck",
			fmt.Sprintf("metadata revision %d is newer than this build supports (%d)", params.Revision, config.CurrentFSRev))
	}

	if params.SeqNo < seqNo {
		if c.Batch {
			return s3qlerrors.New(s3qlerrors.KindConsistencyConflict, component, "Fsck",
				"up to date metadata is not available and --batch was given, refusing to guess")
		}
		log.Warn("up to date metadata is not available; the filesystem may not have been cleanly unmounted",
			"component", component)
		params.SeqNo = seqNo
		params.NeedsFsck = true
	}

	const recentFsckWindow = 31 * 24 * 60 * 60
	if !params.NeedsFsck && now()-params.LastFsck < recentFsckWindow {
		if c.Force {
			log.Info("filesystem looks clean, checking anyway", "component", component)
		} else {
			log.Info("filesystem is marked clean, use --force to check anyway", "component", component)
			if db != nil {
				db.Close()
			}
			return nil
		}
	}

	if db != nil {
		log.Info("checking database integrity", "component", component)
		if err := db.IntegrityCheck(); err != nil {
			db.Close()
			return s3qlerrors.New(s3qlerrors.KindCorruption, component, "Fsck",
				fmt.Sprintf("local metadata is corrupted, remove %s and re-run fsck: %v", dbPath, err))
		}
	} else {
		log.Info("downloading metadata", "component", component)
		r, err := c.Backend.OpenRead(ctx, backend.KeyMetadata)
		if err != nil {
			return err
		}
		tmpPath := dbPath + ".tmp"
		os.Remove(tmpPath)
		db, err = metadb.Open(tmpPath)
		if err != nil {
			r.Close()
			return err
		}
		if err := RestoreMetadata(r, db); err != nil {
			r.Close()
			db.Close()
			return err
		}
		r.Close()
		db.Close()
		if err := os.Rename(tmpPath, dbPath); err != nil {
			return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "Fsck", err)
		}
		db, err = metadb.Open(dbPath)
		if err != nil {
			return err
		}
	}
	defer db.Close()

	if err := db.Analyze(); err != nil {
		return err
	}
	if err := db.Vacuum(); err != nil {
		return err
	}

	params.SeqNo++
	params.NeedsFsck = false
	params.LastFsck = now()
	if err := WriteSeqNoMarker(ctx, c.Backend, params.SeqNo); err != nil {
		return err
	}
	if err := uploadMetadata(ctx, c.Backend, db, params); err != nil {
		return err
	}
	if err := params.Save(paramsPath); err != nil {
		return err
	}

	if usingCache {
		log.Info("fsck complete", "component", component)
	}
	return nil
}
