package main

import (
	"github.com/spf13/cobra"

	"relay/internal/daemonrun"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var noHistory bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the relay daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, nil, daemonrun.Options{
				LogLevel:       logLevel,
				Foreground:     true,
				DisableHistory: noHistory,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Disable the invocation ledger")
	return cmd
}
