package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newInfoCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the daemon's current/target build, channel, and device",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClient(*socketPath).Do(context.Background(), "GET", "/1.0/system/update", nil)
			if err != nil {
				return err
			}

			fmt.Printf("%+v\n", env.Metadata)

			return nil
		},
	}
}

func newListChannelsCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-channels",
		Short: "List every channel known to the image service",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClient(*socketPath).Do(context.Background(), "GET", "/1.0/system/update/:list-channels", nil)
			if err != nil {
				return err
			}

			fmt.Printf("%+v\n", env.Metadata)

			return nil
		},
	}
}

func newFactoryResetCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "factory-reset",
		Short: "Wipe the data partition and reboot into recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient(*socketPath).Do(context.Background(), "POST", "/1.0/system/update/:factory-reset", nil)

			return err
		},
	}
}

func newProductionResetCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "production-reset",
		Short: "Wipe the data partition, mark the device as production, and reboot",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient(*socketPath).Do(context.Background(), "POST", "/1.0/system/update/:production-reset", nil)

			return err
		},
	}
}
