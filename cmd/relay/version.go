package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relay/internal/supervisor"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func newVersionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the relay version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			fmt.Fprintf(stdout, "relay %s\n", version)

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return nil
			}
			probe := supervisor.Inspect(cfg)
			if probe.State == supervisor.StateRunning {
				fmt.Fprintf(stdout, "daemon: running (pid %d)\n", probe.PID)
			} else {
				fmt.Fprintf(stdout, "daemon: %s\n", probe.State)
			}
			return nil
		},
	}
}
