package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/internal/lifecycle"
	"github.com/s3ql-go/s3ql/internal/metrics"
)

var mountOpts struct {
	cacheDir               string
	cacheSizeKB            int64
	maxCacheEntries        int
	allowOther             bool
	allowRoot              bool
	readOnly               bool
	foreground             bool
	single                 bool
	compress               string
	metadataUploadInterval int64
	threads                int
	nfs                    bool
	plain                  bool
	batch                  bool
}

var mountCmd = &cobra.Command{
	Use:   "mount <storage-url> <mountpoint>",
	Short: "Mount a filesystem",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := setupLogger()
		ctx := cmd.Context()

		beCfg, err := parseStorageURL(args[0])
		if err != nil {
			return err
		}

		cacheDir := mountOpts.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir(args[0])
		}
		if err := os.MkdirAll(cacheDir, 0o700); err != nil {
			return err
		}

		if !mountOpts.plain {
			beCfg.Passphrase, err = readPassphrase(mountOpts.batch, false)
			if err != nil {
				return err
			}
		}
		be, err := openBackend(ctx, beCfg, mountOpts.plain, mountOpts.compress)
		if err != nil {
			return err
		}

		params, db, err := lifecycle.GetMetadata(ctx, be, cacheDir, log)
		if err != nil {
			return err
		}

		metricsCollector, err := metrics.New(metrics.DefaultConfig())
		if err != nil {
			db.Close()
			return err
		}

		opts := config.MountOptions{
			MountPoint:             args[1],
			StorageURL:             args[0],
			CacheDir:               cacheDir,
			CacheSizeBytes:         mountOpts.cacheSizeKB * 1024,
			MaxCacheEntries:        mountOpts.maxCacheEntries,
			AllowOther:             mountOpts.allowOther,
			AllowRoot:              mountOpts.allowRoot,
			ReadOnly:               mountOpts.readOnly,
			Foreground:             mountOpts.foreground,
			Single:                 mountOpts.single,
			Compress:               mountOpts.compress,
			MetadataUploadInterval: mountOpts.metadataUploadInterval,
			Threads:                mountOpts.threads,
			NFS:                    mountOpts.nfs,
		}

		m, err := lifecycle.DoMount(ctx, be, db, opts, params.BlockSize, metricsCollector)
		if err != nil {
			db.Close()
			return err
		}

		supervisor := lifecycle.NewSupervisor(log)
		workerCtx, cancelWorker := context.WithCancel(ctx)
		supervisor.Go("metadata-upload", func() {
			lifecycle.RunMetadataUploadWorker(workerCtx, be, m,
				params, time.Duration(opts.MetadataUploadInterval)*time.Second, log)
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		// unmounted closes once the kernel has torn down the mountpoint,
		// whether that was triggered by `s3ql umount`/fusermount from
		// another process or by this process's own m.Server.Unmount()
		// call below; either way Wait is what actually blocks until the
		// FUSE session is gone.
		unmounted := make(chan struct{})
		go func() {
			m.Server.Wait()
			close(unmounted)
		}()

		log.Info("mounted", "component", "cmd", "storage_url", args[0], "mountpoint", args[1])

		select {
		case <-unmounted:
			log.Info("mountpoint was unmounted externally", "component", "cmd")
		case <-sigCh:
			log.Info("received shutdown signal, unmounting", "component", "cmd")
			if err := m.Server.Unmount(); err != nil {
				log.Error("unmounting FUSE server", "component", "cmd", "error", err)
			}
			<-unmounted
		case <-supervisor.Done():
			log.Error("a background worker failed, unmounting", "component", "cmd")
			if err := m.Server.Unmount(); err != nil {
				log.Error("unmounting FUSE server", "component", "cmd", "error", err)
			}
			<-unmounted
		}

		cancelWorker()
		return lifecycle.Unmount(ctx, be, m, params, cacheDir, true, log)
	},
}

func init() {
	f := mountCmd.Flags()
	f.StringVar(&mountOpts.cacheDir, "cachedir", "", "local cache directory (default: derived from the storage url under ~/.s3ql)")
	f.Int64Var(&mountOpts.cacheSizeKB, "cachesize", 102400, "maximum cache size in KiB")
	f.IntVar(&mountOpts.maxCacheEntries, "max-cache-entries", 768, "maximum number of cache entries")
	f.BoolVar(&mountOpts.allowOther, "allow-other", false, "allow access by other users")
	f.BoolVar(&mountOpts.allowRoot, "allow-root", false, "allow access by root")
	f.BoolVar(&mountOpts.readOnly, "ro", false, "mount read-only")
	f.BoolVar(&mountOpts.foreground, "fg", false, "stay in the foreground")
	f.BoolVar(&mountOpts.single, "single", false, "run single-threaded")
	f.StringVar(&mountOpts.compress, "compress", "lzma", "compression algorithm: none|zlib|lzma")
	f.Int64Var(&mountOpts.metadataUploadInterval, "metadata-upload-interval", 24*60*60, "interval in seconds between metadata uploads")
	f.IntVar(&mountOpts.threads, "threads", 0, "number of upload worker threads (0: auto-detect)")
	f.BoolVar(&mountOpts.nfs, "nfs", false, "enable NFS export compatibility (randomized inode numbers)")
	f.BoolVar(&mountOpts.plain, "plain", false, "mount an unencrypted filesystem")
	f.BoolVar(&mountOpts.batch, "batch", false, "never prompt; read the passphrase from S3QL_PASSPHRASE")
}
