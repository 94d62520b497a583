package registry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"relay/internal/invoke"
)

// Builtin returns the diagnostic commands every relay daemon serves alongside
// the embedding application's own set.
func Builtin(version string) []Command {
	return []Command{
		{
			Name:    "version",
			Summary: "Print the relay version and execution mode",
			Handler: HandlerFunc(func(_ context.Context, req invoke.Context, streams IO) int {
				mode := "direct"
				if req.Env[invoke.DaemonEnvVar] != "" {
					mode = "daemon"
				}
				fmt.Fprintf(streams.Stdout, "relay %s (%s)\n", version, mode)
				return 0
			}),
		},
		{
			Name:    "echo",
			Summary: "Write arguments to stdout, or stdin when no arguments are given",
			Handler: HandlerFunc(func(_ context.Context, req invoke.Context, streams IO) int {
				if args := req.Args(); len(args) > 0 {
					fmt.Fprintln(streams.Stdout, strings.Join(args, " "))
					return 0
				}
				if _, err := io.Copy(streams.Stdout, streams.Stdin); err != nil {
					fmt.Fprintf(streams.Stderr, "echo: %v\n", err)
					return 1
				}
				return 0
			}),
		},
		{
			Name:    "env-report",
			Summary: "Report the working directory and environment the command observes",
			Handler: HandlerFunc(func(_ context.Context, req invoke.Context, streams IO) int {
				fmt.Fprintf(streams.Stdout, "cwd=%s\n", req.Dir)
				keys := req.Args()
				if len(keys) == 0 {
					keys = make([]string, 0, len(req.Env))
					for k := range req.Env {
						keys = append(keys, k)
					}
					sort.Strings(keys)
				}
				for _, key := range keys {
					fmt.Fprintf(streams.Stdout, "%s=%s\n", key, req.Env[key])
				}
				return 0
			}),
		},
		{
			Name:    "sleep",
			Summary: "Sleep for a duration, honoring cancellation",
			Handler: HandlerFunc(func(ctx context.Context, req invoke.Context, streams IO) int {
				duration := time.Second
				if args := req.Args(); len(args) > 0 {
					parsed, err := time.ParseDuration(args[0])
					if err != nil {
						fmt.Fprintf(streams.Stderr, "sleep: invalid duration %q\n", args[0])
						return 2
					}
					duration = parsed
				}
				select {
				case <-time.After(duration):
					return 0
				case <-ctx.Done():
					fmt.Fprintln(streams.Stderr, "sleep: canceled")
					return 1
				}
			}),
		},
	}
}
