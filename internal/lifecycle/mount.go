package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/blockcache"
	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/internal/fsops"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/metadb/inodecache"
	"github.com/s3ql-go/s3ql/internal/metrics"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// staleParamsWarning is how far LastModified may lag the remote seq_no's
// implied freshness before GetMetadata logs a warning about a clock or a
// mount that was not cleanly unmounted, mirroring get_metadata's log
// line about the cached copy looking "out of date".
const staleParamsWarning = 24 * time.Hour

// GetMetadata runs the full sequence a mount performs before it ever
// touches a FUSE request: read the backend's claimed seq_no, decide
// whether the locally cached `.params`+db pair is still current or must
// be re-downloaded, validate the revision and needs_fsck flags, then
// optimistically claim the next seq_no. Grounded on mount.py's
// get_metadata.
func GetMetadata(ctx context.Context, be backend.Backend, cacheDir string, log *slog.Logger) (*config.FSParams, *metadb.DB, error) {
	log = orDefaultLogger(log)

	seqNo, err := GetSeqNo(ctx, be)
	if err != nil {
		return nil, nil, err
	}

	paramsPath := filepath.Join(cacheDir, ".params")
	dbPath := filepath.Join(cacheDir, "s3ql.db")

	cached, cacheErr := config.LoadParams(paramsPath)
	useCache := cacheErr == nil && cached.SeqNo == seqNo

	var params *config.FSParams
	var db *metadb.DB

	if useCache {
		log.Info("using cached metadata", "component", component, "seq_no", seqNo)
		db, err = metadb.Open(dbPath)
		if err != nil {
			return nil, nil, err
		}
		params = cached
	} else {
		log.Info("downloading metadata", "component", component, "seq_no", seqNo)
		meta, err := be.Lookup(ctx, backend.KeyMetadata)
		if err != nil {
			return nil, nil, err
		}
		remote, err := paramsFromMetadata(meta)
		if err != nil {
			return nil, nil, err
		}
		if remote.SeqNo != seqNo {
			return nil, nil, s3qlerrors.New(s3qlerrors.KindConcurrentMountSuspicion, component, "GetMetadata",
				fmt.Sprintf("stored metadata has seq_no %d but the highest marker is %d: "+
					"either the most recent upload is still in flight or two mounts are racing", remote.SeqNo, seqNo))
		}

		r, err := be.OpenRead(ctx, backend.KeyMetadata)
		if err != nil {
			return nil, nil, err
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			r.Close()
			return nil, nil, s3qlerrors.Wrap(s3qlerrors.KindTransient, component, "GetMetadata", err)
		}
		r.Close()

		db, err = metadb.Open(dbPath)
		if err != nil {
			return nil, nil, err
		}
		if err := RestoreMetadata(&buf, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		params = remote
	}

	if params.Revision < config.CurrentFSRev {
		db.Close()
		return nil, nil, s3qlerrors.New(s3qlerrors.KindPermanent, component, "GetMetadata",
			fmt.Sprintf("metadata revision %d predates the revision %d this build requires, run fsck with an older release first",
				params.Revision, config.CurrentFSRev))
	}
	if params.NeedsFsck {
		db.Close()
		return nil, nil, s3qlerrors.New(s3qlerrors.KindCorruption, component, "GetMetadata",
			"filesystem was not cleanly unmounted, run fsck before mounting")
	}
	if now()-params.LastModified > int64(staleParamsWarning.Seconds()) {
		log.Warn("cached metadata looks stale, check the system clock on every host mounting this filesystem",
			"component", component, "last_modified", params.LastModified)
	}

	// Optimistically claim the next seq_no: a marker is written now so a
	// concurrent mount sees this one is in progress, but on-disk params
	// record needs_fsck=true so an unclean crash before the next
	// successful unmount forces an fsck; the in-memory copy used for the
	// rest of this mount's lifetime stays needs_fsck=false.
	nextSeqNo := params.SeqNo + 1
	if err := WriteSeqNoMarker(ctx, be, nextSeqNo); err != nil {
		db.Close()
		return nil, nil, err
	}
	onDisk := *params
	onDisk.SeqNo = nextSeqNo
	onDisk.NeedsFsck = true
	if err := onDisk.Save(paramsPath); err != nil {
		db.Close()
		return nil, nil, err
	}
	params.SeqNo = nextSeqNo

	return params, db, nil
}

func paramsFromMetadata(meta map[string]string) (*config.FSParams, error) {
	p := &config.FSParams{}
	var err error
	get := func(key string) string { return meta[key] }
	if p.Revision, err = atoi(get("revision")); err != nil {
		return nil, err
	}
	if p.SeqNo, err = atoi64(get("seq_no")); err != nil {
		return nil, err
	}
	if p.BlockSize, err = atoi64(get("blocksize")); err != nil {
		return nil, err
	}
	p.NeedsFsck = get("needs_fsck") == "true"
	if p.LastFsck, err = atoi64(get("last_fsck")); err != nil {
		return nil, err
	}
	if p.LastModified, err = atoi64(get("last_modified")); err != nil {
		return nil, err
	}
	if p.BucketRevision, err = atoi(get("bucket_revision")); err != nil {
		return nil, err
	}
	p.Label = get("label")
	return p, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func atoi64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// Mount wires a metadata db, block cache and FS operations layer together
// and starts serving FUSE requests at opts.MountPoint, mirroring
// MountManager.Mount's buildFUSEOptions/fs.Mount sequence.
type Mount struct {
	FS     *fsops.FS
	DB     *metadb.DB
	Blocks *blockcache.Cache
	Server *fuse.Server
}

// DoMount builds the full serving stack (inode cache, block cache,
// operations layer) over an already-opened db and starts the FUSE
// server. blockSize is the filesystem's fixed block size, as recorded
// in its FSParams at mkfs time. The caller is responsible for having
// run GetMetadata first.
func DoMount(ctx context.Context, be backend.Backend, db *metadb.DB, opts config.MountOptions, blockSize int64, metricsCollector *metrics.Collector) (*Mount, error) {
	blocks, err := blockcache.New(blockcache.Config{
		Dir:       filepath.Join(opts.CacheDir, "blocks"),
		MaxBytes:  opts.CacheSizeBytes,
		BlockSize: int(blockSize),
		Backend:   be,
		DB:        db,
		Metrics:   metricsCollector,
	})
	if err != nil {
		return nil, err
	}

	inodes := inodecache.New(db, opts.NFS)

	filesystem := fsops.New(fsops.Config{
		DB:        db,
		Inodes:    inodes,
		Blocks:    blocks,
		BlockSize: blockSize,
		ReadOnly:  opts.ReadOnly,
		Metrics:   metricsCollector,
	})

	fuseOpts := buildFUSEOptions(opts)
	server, err := fs.Mount(opts.MountPoint, fsops.Root(filesystem), fuseOpts)
	if err != nil {
		blocks.Close(ctx)
		return nil, s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "DoMount", err)
	}

	return &Mount{FS: filesystem, DB: db, Blocks: blocks, Server: server}, nil
}

func buildFUSEOptions(opts config.MountOptions) *fs.Options {
	attrTimeout := time.Second
	entryTimeout := time.Second
	fuseOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        "s3ql",
			FsName:      opts.StorageURL,
			DirectMount: true,
			AllowOther:  opts.AllowOther,
			Debug:       false,
			SingleThreaded: opts.Single,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	if opts.ReadOnly {
		fuseOpts.Options = append(fuseOpts.Options, "ro")
	}
	if opts.AllowRoot {
		fuseOpts.Options = append(fuseOpts.Options, "allow_root")
	}
	return fuseOpts
}

// RunMetadataUploadWorker periodically dumps and uploads metadata while
// the mount is alive, waking early whenever FS.UploadSignal fires and
// otherwise on opts.MetadataUploadInterval. It mirrors
// MetadataUploadThread, translated from its polling loop into a
// select over a ticker and the upload-signal channel. Returns when ctx
// is cancelled (on unmount).
func RunMetadataUploadWorker(ctx context.Context, be backend.Backend, m *Mount, params *config.FSParams, interval time.Duration, log *slog.Logger) {
	log = orDefaultLogger(log)
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.FS.UploadSignal():
			// Coalesce bursts of mutations into one upload per tick.
			time.Sleep(time.Second)
		}
		if err := m.Blocks.FlushAll(ctx); err != nil {
			log.Error("flushing block cache before metadata upload", "component", component, "error", err)
			continue
		}

		remoteSeqNo, err := GetSeqNo(ctx, be)
		if err != nil {
			log.Error("reading backend seq_no before periodic metadata upload", "component", component, "error", err)
			continue
		}
		if remoteSeqNo != params.SeqNo {
			log.Error("remote metadata is newer than local, refusing to overwrite",
				"component", component, "local_seq_no", params.SeqNo, "remote_seq_no", remoteSeqNo)
			continue
		}

		if err := CycleMetadata(ctx, be); err != nil {
			log.Error("cycling metadata backups before periodic upload", "component", component, "error", err)
			continue
		}

		params.LastModified = now()
		// This snapshot is not the final upload for this seq_no - the live
		// mount keeps holding the marker at params.SeqNo - so it's tagged
		// one behind while still on the backend, mirroring
		// MetadataUploadThread.run's temporary seq_no decrement.
		params.SeqNo--
		err = uploadMetadata(ctx, be, m.DB, params)
		params.SeqNo++
		if err != nil {
			log.Error("uploading metadata snapshot", "component", component, "error", err)
		}
	}
}
