package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/s3ql-go/s3ql/internal/lifecycle"
)

var fsckOpts struct {
	force    bool
	batch    bool
	plain    bool
	cacheDir string
	compress string
}

var fsckCmd = &cobra.Command{
	Use:   "fsck <storage-url>",
	Short: "Check and repair a filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := setupLogger()
		ctx := cmd.Context()

		beCfg, err := parseStorageURL(args[0])
		if err != nil {
			return err
		}

		if !fsckOpts.plain {
			beCfg.Passphrase, err = readPassphrase(fsckOpts.batch, false)
			if err != nil {
				return err
			}
		}
		be, err := openBackend(ctx, beCfg, fsckOpts.plain, fsckOpts.compress)
		if err != nil {
			return err
		}

		cacheDir := fsckOpts.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir(args[0])
		}
		if err := os.MkdirAll(cacheDir, 0o700); err != nil {
			return err
		}

		c := &lifecycle.Fsck{
			Backend:    be,
			StorageURL: args[0],
			CacheDir:   cacheDir,
			Force:      fsckOpts.force,
			Batch:      fsckOpts.batch,
			Logger:     log,
		}
		return c.Run(ctx)
	},
}

func init() {
	f := fsckCmd.Flags()
	f.BoolVar(&fsckOpts.force, "force", false, "check even if the filesystem is marked clean")
	f.BoolVar(&fsckOpts.batch, "batch", false, "never prompt; read the passphrase from S3QL_PASSPHRASE, fail rather than guess")
	f.BoolVar(&fsckOpts.plain, "plain", false, "check an unencrypted filesystem")
	f.StringVar(&fsckOpts.cacheDir, "cachedir", "", "local cache directory (default: derived from the storage url under ~/.s3ql)")
	f.StringVar(&fsckOpts.compress, "compress", "lzma", "compression algorithm: none|zlib|lzma")
}
