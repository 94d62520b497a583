package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/supervisor"
)

const (
	stopGracePeriod  = 5 * time.Second
	startWaitTimeout = 10 * time.Second
)

// daemonExecutable locates relayd: next to the current binary first,
// then on PATH.
func daemonExecutable() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "relayd")
		if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("relayd")
	if err != nil {
		return "", fmt.Errorf("locate relayd: %w", err)
	}
	return path, nil
}

func daemonStartCmd(ctx *commandContext) (supervisor.StartCmd, error) {
	exe, err := daemonExecutable()
	if err != nil {
		return supervisor.StartCmd{}, err
	}
	cmd := supervisor.StartCmd{Program: exe, Env: os.Environ()}
	if path := ctx.configPathValue(); path != "" {
		cmd.Args = append(cmd.Args, "--config", path)
	}
	return cmd, nil
}

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			startSpec, err := daemonStartCmd(ctx)
			if err != nil {
				return err
			}

			result, err := supervisor.EnsureStarted(ctx.configValue(), startSpec, startWaitTimeout)
			if err != nil {
				return wrapStartError(err)
			}
			for _, path := range result.Cleaned {
				fmt.Fprintf(stdout, "Removed stale %s\n", path)
			}
			switch result.State {
			case supervisor.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case supervisor.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := supervisor.Stop(ctx.configValue(), stopGracePeriod)
			if errors.Is(err, supervisor.ErrNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.Forced {
				fmt.Fprintf(stdout, "Daemon did not exit gracefully, killed pid %d\n", result.PID)
			} else {
				fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.PID)
			}
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			startSpec, err := daemonStartCmd(ctx)
			if err != nil {
				return err
			}

			result, err := supervisor.Restart(ctx.configValue(), startSpec, stopGracePeriod, startWaitTimeout)
			if err != nil {
				return wrapStartError(err)
			}
			if result.WasRunning {
				fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.Stop.PID)
			}
			fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.Start.PID)
			return nil
		},
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove stale daemon residue files",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			removed, err := supervisor.CleanStale(ctx.configValue())
			if err != nil {
				return withExitCode(exitLockHeld, err)
			}
			if len(removed) == 0 {
				fmt.Fprintln(stdout, "Nothing to clean")
				return nil
			}
			for _, path := range removed {
				fmt.Fprintf(stdout, "Removed %s\n", path)
			}
			return withExitCode(exitStaleFound, errors.New("stale daemon residue was cleaned"))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(ctx, cmd)
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, cleanCmd, statusCmd}
}

func wrapStartError(err error) error {
	if err == nil {
		return nil
	}
	return withExitCode(exitUnreachable, err)
}

func runStatus(ctx *commandContext, cmd *cobra.Command) error {
	cfg := ctx.configValue()
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	probe := supervisor.Inspect(cfg)

	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(stdout, line)
	}
	switch probe.State {
	case supervisor.StateRunning:
		detail := fmt.Sprintf("Running (pid %d)", probe.PID)
		if !probe.StartedAt.IsZero() {
			detail = fmt.Sprintf("Running (pid %d, since %s)", probe.PID, probe.StartedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(stdout, renderStatusLine("Relay", statusOK, detail, colorize))
	case supervisor.StateUnreachable:
		fmt.Fprintln(stdout, renderStatusLine("Relay", statusError,
			fmt.Sprintf("Process %d alive but socket unreachable", probe.PID), colorize))
	case supervisor.StateStale:
		fmt.Fprintln(stdout, renderStatusLine("Relay", statusWarn,
			"Stale residue found (run `relay clean`)", colorize))
	default:
		fmt.Fprintln(stdout, renderStatusLine("Relay", statusInfo,
			"Not running (run `relay start`)", colorize))
	}
	fmt.Fprintln(stdout, renderStatusLine("Socket", statusInfo, probe.SocketPath, colorize))
	fmt.Fprintln(stdout, renderStatusLine("Config", statusInfo, describeConfigSource(ctx), colorize))

	if err := renderHistorySummary(ctx, stdout, colorize); err != nil {
		return err
	}

	switch probe.State {
	case supervisor.StateRunning:
		return nil
	case supervisor.StateStale:
		return withExitCode(exitStaleFound, errors.New("stale daemon residue present"))
	default:
		return withExitCode(exitUnreachable, errors.New("daemon not reachable"))
	}
}

func describeConfigSource(ctx *commandContext) string {
	if path := ctx.configPathValue(); path != "" {
		return path
	}
	return "built-in defaults"
}

func renderHistorySummary(ctx *commandContext, stdout io.Writer, colorize bool) error {
	summary, err := historySummary(ctx)
	if err != nil {
		// Status stays usable without the ledger.
		fmt.Fprintln(stdout, renderStatusLine("History", statusWarn, err.Error(), colorize))
		return nil
	}
	detail := fmt.Sprintf("%d invocations, %d failures", summary.Total, summary.Failures)
	if summary.Total > 0 && !summary.LastAt.IsZero() {
		detail += ", last " + summary.LastAt.Format(time.RFC3339)
	}
	fmt.Fprintln(stdout, renderStatusLine("History", statusInfo, detail, colorize))
	return nil
}

func formatDurationMS(ms int64) string {
	return strconv.FormatInt(ms, 10) + "ms"
}
