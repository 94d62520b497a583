package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"relay/internal/entrypoint"
)

func newEntrypointCommand(ctx *commandContext) *cobra.Command {
	var opts entrypoint.Options
	var startEnv []string

	cmd := &cobra.Command{
		Use:   "entrypoint <name>",
		Short: "Generate and install a launcher binary",
		Long: `Generate a standalone launcher binary that forwards its invocations to
the relay daemon and falls back to direct execution when the daemon is
unavailable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			if opts.ConfigPath == "" {
				opts.ConfigPath = ctx.configPathValue()
			}
			if opts.StartProgram == "" {
				if exe, err := daemonExecutable(); err == nil {
					opts.StartProgram = exe
					if opts.ConfigPath != "" {
						opts.StartArgs = []string{"--config", opts.ConfigPath}
					}
				}
			}
			if opts.ModuleDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				opts.ModuleDir = wd
			}
			if len(startEnv) > 0 {
				opts.StartEnv = make(map[string]string, len(startEnv))
				for _, pair := range startEnv {
					key, value, ok := cutEnvPair(pair)
					if !ok {
						return fmt.Errorf("invalid --start-env entry %q, want KEY=VALUE", pair)
					}
					opts.StartEnv[key] = value
				}
			}

			installed, err := entrypoint.Generate(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed launcher %s\n", installed)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Command, "command", "", "Command forwarded to the daemon (defaults to the launcher name)")
	cmd.Flags().StringVar(&opts.InstallDir, "install-dir", "", "Directory receiving the built binary")
	cmd.Flags().StringVar(&opts.ModuleDir, "module-dir", "", "Relay module source to build against (defaults to the working directory)")
	cmd.Flags().StringSliceVar(&opts.Target, "target", nil, "Direct-execution argv used when the daemon path fails")
	cmd.Flags().StringSliceVar(&startEnv, "start-env", nil, "KEY=VALUE pairs injected into the daemon environment at spawn")
	cmd.MarkFlagRequired("install-dir")
	return cmd
}

func cutEnvPair(pair string) (string, string, bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			if i == 0 {
				return "", "", false
			}
			return pair[:i], pair[i+1:], true
		}
	}
	return "", "", false
}
