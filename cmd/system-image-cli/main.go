// Package main is system-image-cli, the local operator tool that talks to
// system-imaged over its unix-socket API: check/download/apply/pause/
// resume/cancel, the rollout overrides engine-observable from the CLI,
// settings get/set/del/show, and factory/production reset.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}

		os.Exit(1)
	}
}

// exitCodeError carries a specific process exit code, per the CLI's exit
// code contract: 0 success/up-to-date, 1 error, 2 already-running.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	var socketPath string

	var verbose bool

	root := &cobra.Command{
		Use:           "system-image-cli",
		Short:         "Operate the system-imaged update daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/system-imaged/unix.socket", "path to the daemon's unix socket")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newInfoCmd(&socketPath),
		newCheckCmd(&socketPath),
		newDownloadCmd(&socketPath),
		newApplyCmd(&socketPath),
		newPauseCmd(&socketPath),
		newResumeCmd(&socketPath),
		newCancelCmd(&socketPath),
		newListChannelsCmd(&socketPath),
		newFactoryResetCmd(&socketPath),
		newProductionResetCmd(&socketPath),
		newSettingsCmd(&socketPath),
	)

	return root
}
