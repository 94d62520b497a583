package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"relay/internal/invoke"
	"relay/internal/launcher"
	"relay/internal/registry"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var direct bool
	var noStart bool

	cmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run a registry command, accelerated through the daemon when possible",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.New(registry.Builtin(version))
			if err != nil {
				return err
			}

			directRun := func(req invoke.Context) int {
				return reg.Dispatch(cmd.Context(), req, registry.IO{
					Stdin:  os.Stdin,
					Stdout: cmd.OutOrStdout(),
					Stderr: cmd.ErrOrStderr(),
				})
			}

			var code int
			if direct {
				req, err := invoke.Capture(args)
				if err != nil {
					return err
				}
				code = directRun(req)
			} else {
				spec := launcher.Spec{
					Name:       args[0],
					ConfigPath: ctx.configPathValue(),
					Args:       args[1:],
					Fallback:   directRun,
					Stdout:     cmd.OutOrStdout(),
					Stderr:     cmd.ErrOrStderr(),
				}
				if !noStart {
					if startSpec, err := daemonStartCmd(ctx); err == nil {
						spec.StartCmd = startSpec
					}
				}
				code = launcher.Run(spec)
			}

			if code != 0 {
				return withExitCode(code, fmt.Errorf("%s exited with code %d", args[0], code))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "Run in-process without the daemon")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "Do not autostart the daemon")
	return cmd
}
