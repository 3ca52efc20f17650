package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSettingsCmd(socketPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Get, set, delete, or show runtime settings",
	}

	cmd.AddCommand(
		newSettingsGetCmd(socketPath),
		newSettingsSetCmd(socketPath),
		newSettingsDelCmd(socketPath),
		newSettingsShowCmd(socketPath),
	)

	return cmd
}

func newSettingsGetCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a setting's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClient(*socketPath).Do(context.Background(), "GET", "/1.0/settings/"+args[0], nil)
			if err != nil {
				return err
			}

			fmt.Println(env.Metadata)

			return nil
		},
	}
}

func newSettingsSetCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a setting's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient(*socketPath).Do(context.Background(), "PUT", "/1.0/settings/"+args[0], map[string]string{"value": args[1]})

			return err
		},
	}
}

func newSettingsDelCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a setting, resetting it to its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient(*socketPath).Do(context.Background(), "DELETE", "/1.0/settings/"+args[0], nil)

			return err
		},
	}
}

func newSettingsShowCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show every setting's current value",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClient(*socketPath).Do(context.Background(), "GET", "/1.0/settings", nil)
			if err != nil {
				return err
			}

			fmt.Printf("%+v\n", env.Metadata)

			return nil
		},
	}
}
