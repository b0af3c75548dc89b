package main

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
)

var umountOpts struct {
	lazy bool
}

// umountCmd merely unmounts the FUSE mountpoint; the filesystem's own
// Unmount sequence (cache drain, metadata upload, seq_no release) runs
// inside the mount process itself when it receives the resulting
// SIGHUP/unmount notification (see cmd/s3ql/mount.go), exactly as
// original_source/src/s3ql/cli/umount.py shells out to fusermount and lets
// the running daemon perform its own cleanup on the way down.
var umountCmd = &cobra.Command{
	Use:   "umount <mountpoint>",
	Short: "Unmount a filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "fusermount"
		cmdArgs := []string{"-u", args[0]}
		if umountOpts.lazy {
			cmdArgs = append(cmdArgs, "-z")
		}
		out, err := exec.Command(name, cmdArgs...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("fusermount -u %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
		return nil
	},
}

func init() {
	umountCmd.Flags().BoolVarP(&umountOpts.lazy, "lazy", "z", false, "lazy unmount")
}
