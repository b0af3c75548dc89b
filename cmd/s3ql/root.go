// Package main is s3ql-go's CLI entrypoint: mkfs, mount, umount and fsck
// subcommands wired through cobra/viper, grounded on
// _examples/GoogleCloudPlatform-gcsfuse/cmd/root.go's deferred-bind-error
// and config-file-then-flags unmarshal pattern.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
)

var rootCmd = &cobra.Command{
	Use:   "s3ql",
	Short: "A FUSE filesystem backed by an object store",
	Long: `s3ql-go mounts a content-addressed object store (local directory or S3)
as a full POSIX filesystem, deduplicating and encrypting file data as it is
written.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file providing defaults for any flag below")
	rootCmd.PersistentFlags().String("log-level", "info", "debug|info|warn|error")
	bindErr = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(mkfsCmd, mountCmd, umountCmd, fsckCmd)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// Execute runs the root command and translates a returned error into the
// CLI boundary's single-line-message-plus-exit-code contract (§6).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		msg, code := s3qlerrors.CLIMessage(err)
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(code)
	}
}

func main() {
	Execute()
}
