package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newCheckCmd(socketPath *string) *cobra.Command {
	var (
		overrideBuild   int
		overrideChannel string
		overrideDevice  string
		filter          string
		maximage        int
		percentage      int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check for an available update",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}

			if overrideBuild > 0 {
				q.Set("override_build", fmt.Sprint(overrideBuild))
			}

			if overrideChannel != "" {
				q.Set("override_channel", overrideChannel)
			}

			if overrideDevice != "" {
				q.Set("override_device", overrideDevice)
			}

			if filter != "" {
				q.Set("filter", filter)
			}

			if maximage > 0 {
				q.Set("maximage", fmt.Sprint(maximage))
			}

			if percentage >= 0 {
				q.Set("percentage", fmt.Sprint(percentage))
			}

			path := "/1.0/system/update/:check"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			client := newClient(*socketPath)

			env, err := client.Do(context.Background(), "GET", path, nil)
			if err != nil {
				return err
			}

			fmt.Printf("%+v\n", env.Metadata)

			return nil
		},
	}

	cmd.Flags().IntVar(&overrideBuild, "override-build", 0, "pretend the device is at this build number")
	cmd.Flags().StringVar(&overrideChannel, "override-channel", "", "check against this channel instead of the configured one")
	cmd.Flags().StringVar(&overrideDevice, "override-device", "", "check against this device instead of the configured one")
	cmd.Flags().StringVar(&filter, "filter", "", "restrict candidate paths: full or delta")
	cmd.Flags().IntVar(&maximage, "maximage", 0, "cap the winning path to this build number")
	cmd.Flags().IntVar(&percentage, "percentage", -1, "override the device's phased-rollout percentage")

	return cmd
}
