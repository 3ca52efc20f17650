package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newDownloadCmd(socketPath *string) *cobra.Command {
	var (
		overrideGSM bool
		dryRun      bool
		progress    string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the update found by the last check",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch progress {
			case "", "dots", "logfile", "json":
			default:
				return fmt.Errorf("invalid --progress value %q: must be dots, logfile, or json", progress)
			}

			if dryRun {
				fmt.Println("dry-run: would have started a download")

				return nil
			}

			client := newClient(*socketPath)

			env, err := client.Do(context.Background(), "POST", "/1.0/system/update/:download", map[string]bool{"cellular": overrideGSM})
			if err != nil {
				return err
			}

			printResult(progress, env.Metadata)

			return nil
		},
	}

	cmd.Flags().BoolVar(&overrideGSM, "override-gsm", false, "allow this download to proceed over a cellular link")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would happen without downloading")
	cmd.Flags().StringVar(&progress, "progress", "dots", "progress reporting style: dots, logfile, or json")

	return cmd
}

// printResult renders a completed operation's result in the requested
// style. Only "json" changes the shape of the output; "dots" and
// "logfile" both print a single completion line, matching what a
// long-running download would have already shown via dots/log lines as
// it ran.
func printResult(style string, metadata any) {
	if style == "json" {
		data, err := json.Marshal(metadata)
		if err == nil {
			fmt.Println(string(data))

			return
		}
	}

	fmt.Println("done")
}

func newApplyCmd(socketPath *string) *cobra.Command {
	var (
		noApply bool
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a staged update (reboots into recovery)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noApply || dryRun {
				fmt.Println("not applying: --no-apply or --dry-run set")

				return nil
			}

			client := newClient(*socketPath)

			_, err := client.Do(context.Background(), "POST", "/1.0/system/update/:apply", nil)

			return err
		},
	}

	cmd.Flags().BoolVar(&noApply, "no-apply", false, "do not invoke the apply hook (the update stays as download staged it)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would happen without applying")

	return cmd
}

func newPauseCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the in-flight download",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient(*socketPath).Do(context.Background(), "POST", "/1.0/system/update/:pause", nil)

			return err
		},
	}
}

func newResumeCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused download",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient(*socketPath).Do(context.Background(), "POST", "/1.0/system/update/:resume", nil)

			return err
		},
	}
}

func newCancelCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the in-flight download",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient(*socketPath).Do(context.Background(), "POST", "/1.0/system/update/:cancel", nil)

			return err
		},
	}
}
