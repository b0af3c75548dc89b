package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/s3ql-go/s3ql/internal/lifecycle"
)

var mkfsOpts struct {
	label       string
	blockSizeKB int64
	plain       bool
	force       bool
	batch       bool
	cacheDir    string
	compress    string
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <storage-url>",
	Short: "Initialize a new filesystem in the given backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := setupLogger()
		ctx := cmd.Context()

		beCfg, err := parseStorageURL(args[0])
		if err != nil {
			return err
		}

		raw, err := openRawBackend(ctx, beCfg, true)
		if err != nil {
			return err
		}

		var passphrase string
		if !mkfsOpts.plain {
			passphrase, err = readPassphrase(mkfsOpts.batch, true)
			if err != nil {
				return err
			}
		}

		cacheDir := mkfsOpts.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir(args[0])
		}

		_, err = lifecycle.Mkfs(ctx, raw, filepath.Join(cacheDir, "s3ql.db"), lifecycle.MkfsConfig{
			LocalParamsPath: filepath.Join(cacheDir, ".params"),
			Label:           mkfsOpts.label,
			BlockSize:       mkfsOpts.blockSizeKB * 1024,
			Force:           mkfsOpts.force,
			Plain:           mkfsOpts.plain,
			Passphrase:      passphrase,
			Compress:        mkfsOpts.compress,
			Logger:          log,
		})
		return err
	},
}

func init() {
	f := mkfsCmd.Flags()
	f.StringVarP(&mkfsOpts.label, "label", "L", "", "filesystem label")
	f.Int64Var(&mkfsOpts.blockSizeKB, "blocksize", 10240, "block size in KiB")
	f.BoolVar(&mkfsOpts.plain, "plain", false, "don't encrypt the filesystem")
	f.BoolVar(&mkfsOpts.force, "force", false, "overwrite an existing filesystem in the backend")
	f.BoolVar(&mkfsOpts.batch, "batch", false, "never prompt; read the passphrase from S3QL_PASSPHRASE")
	f.StringVar(&mkfsOpts.cacheDir, "cachedir", "", "local cache directory (default: derived from the storage url under ~/.s3ql)")
	f.StringVar(&mkfsOpts.compress, "compress", "lzma", "compression algorithm for the metadata snapshot: none|zlib|lzma")
}
