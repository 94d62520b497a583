// Package supervisor manages the daemon process from the outside: probing
// liveness, cleaning stale residue, launching, and stopping.
package supervisor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"relay/internal/config"
	"relay/internal/invoke"
	"relay/internal/protocol"
)

// ErrNotRunning indicates no daemon is reachable for this configuration.
var ErrNotRunning = errors.New("daemon not running")

const pollInterval = 200 * time.Millisecond

// State classifies what a probe found.
type State string

const (
	// StateRunning means the socket answered a ping.
	StateRunning State = "running"
	// StateUnreachable means a live process holds the pid file but the
	// socket did not answer.
	StateUnreachable State = "unreachable"
	// StateStale means residue files exist but no live process backs them.
	StateStale State = "stale"
	// StateStopped means no daemon and no residue.
	StateStopped State = "stopped"
)

// Probe is a point-in-time view of the daemon for one configuration.
type Probe struct {
	State      State
	PID        int
	StartedAt  time.Time
	SocketPath string
	PIDPath    string
}

// StartCmd describes how to launch the daemon process.
type StartCmd struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
	Cleaned  []string
}

// StopResult captures daemon stop outcome.
type StopResult struct {
	PID    int
	Forced bool
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// Ping dials the socket and performs a protocol-level ping. A connected
// socket whose daemon cannot answer is treated as unreachable.
func Ping(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	req := protocol.NewRequest(protocol.KindPing, "", invoke.Context{})
	if err := protocol.WriteRequest(conn, req); err != nil {
		return err
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return err
	}
	if resp.ErrorKind != "" {
		return fmt.Errorf("ping rejected: %s", resp.ErrorMessage)
	}
	return nil
}

// ReadPIDFile parses the daemon pid file. The first line is the pid, the
// second line, when present, is the start time in RFC 3339.
func ReadPIDFile(path string) (int, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return 0, time.Time{}, fmt.Errorf("pid file %s is empty", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, time.Time{}, fmt.Errorf("pid file %s is malformed", path)
	}
	var startedAt time.Time
	if len(lines) > 1 {
		if parsed, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); parseErr == nil {
			startedAt = parsed
		}
	}
	return pid, startedAt, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Inspect probes the daemon without mutating anything.
func Inspect(cfg *config.Config) Probe {
	probe := Probe{
		State:      StateStopped,
		SocketPath: cfg.SocketPath(),
		PIDPath:    cfg.PIDPath(),
	}

	pid, startedAt, pidErr := ReadPIDFile(cfg.PIDPath())
	if pidErr == nil {
		probe.PID = pid
		probe.StartedAt = startedAt
	}

	if err := Ping(cfg.SocketPath()); err == nil {
		probe.State = StateRunning
		return probe
	}

	if pidErr == nil {
		if processAlive(pid) {
			probe.State = StateUnreachable
		} else {
			probe.State = StateStale
		}
		return probe
	}

	if _, err := os.Stat(cfg.SocketPath()); err == nil {
		probe.State = StateStale
	}
	return probe
}

// CleanStale removes residue files left by a dead daemon and returns the
// paths it removed. It refuses to touch anything while a live process may
// still own the files.
func CleanStale(cfg *config.Config) ([]string, error) {
	probe := Inspect(cfg)
	switch probe.State {
	case StateRunning, StateUnreachable:
		return nil, fmt.Errorf("daemon pid %d still alive, not cleaning", probe.PID)
	case StateStopped:
		return nil, nil
	}

	var removed []string
	for _, path := range []string{cfg.SocketPath(), cfg.PIDPath(), cfg.LockPath()} {
		err := os.Remove(path)
		if err == nil {
			removed = append(removed, path)
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return removed, nil
}

// Launch starts a detached daemon process and returns its pid. The child
// gets its own session so it survives the launcher exiting.
func Launch(cmd StartCmd) (int, error) {
	if strings.TrimSpace(cmd.Program) == "" {
		return 0, errors.New("launch daemon: program path is empty")
	}

	proc := exec.Command(cmd.Program, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = cmd.Env
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	pid := proc.Process.Pid
	if err := proc.Process.Release(); err != nil {
		return pid, fmt.Errorf("release daemon process: %w", err)
	}
	return pid, nil
}

// WaitForSocket polls until the daemon answers a ping or the timeout
// elapses.
func WaitForSocket(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = Ping(socketPath); lastErr == nil {
			return nil
		}
		time.Sleep(pollInterval)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for daemon")
	}
	return fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted makes sure a daemon is serving this configuration,
// launching one when needed. Losing a start race is fine: the winner
// holds the lock and answers the socket, which is all callers need.
func EnsureStarted(cfg *config.Config, cmd StartCmd, waitTimeout time.Duration) (StartResult, error) {
	probe := Inspect(cfg)
	if probe.State == StateRunning {
		return StartResult{State: StartStateAlreadyRunning, PID: probe.PID}, nil
	}

	cleaned, err := CleanStale(cfg)
	if err != nil {
		return StartResult{}, err
	}

	pid, err := Launch(cmd)
	if err != nil {
		return StartResult{}, err
	}
	if err := WaitForSocket(cfg.SocketPath(), waitTimeout); err != nil {
		return StartResult{}, err
	}

	result := StartResult{State: StartStateStarted, Launched: true, PID: pid, Cleaned: cleaned}
	if livePID, _, pidErr := ReadPIDFile(cfg.PIDPath()); pidErr == nil {
		result.PID = livePID
	}
	return result, nil
}

// WaitForShutdown polls until the socket stops answering or the timeout
// elapses.
func WaitForShutdown(cfg *config.Config, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if Ping(cfg.SocketPath()) != nil && !processAlive(probePID(cfg)) {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return errors.New("daemon did not stop")
}

func probePID(cfg *config.Config) int {
	pid, _, err := ReadPIDFile(cfg.PIDPath())
	if err != nil {
		return 0
	}
	return pid
}

// Stop terminates the daemon: SIGTERM first, then SIGKILL after the grace
// period, then residue cleanup. Returns ErrNotRunning when there is
// nothing to stop.
func Stop(cfg *config.Config, grace time.Duration) (StopResult, error) {
	probe := Inspect(cfg)
	switch probe.State {
	case StateStopped:
		return StopResult{}, ErrNotRunning
	case StateStale:
		if _, err := CleanStale(cfg); err != nil {
			return StopResult{}, err
		}
		return StopResult{}, ErrNotRunning
	}

	pid := probe.PID
	if pid <= 0 {
		return StopResult{}, fmt.Errorf("unable to determine daemon pid (pid file: %s)", cfg.PIDPath())
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to stop current process (pid %d)", pid)
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return StopResult{}, fmt.Errorf("signal daemon %d: %w", pid, err)
	}
	if WaitForShutdown(cfg, grace) == nil {
		return StopResult{PID: pid}, nil
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return StopResult{PID: pid}, fmt.Errorf("kill daemon %d: %w", pid, err)
	}
	// The killed process never ran its cleanup path.
	time.Sleep(pollInterval)
	if _, err := CleanStale(cfg); err != nil {
		return StopResult{PID: pid, Forced: true}, err
	}
	return StopResult{PID: pid, Forced: true}, nil
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(cfg *config.Config, cmd StartCmd, grace, waitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := Stop(cfg, grace)
	if stopErr != nil && !errors.Is(stopErr, ErrNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(cfg, cmd, waitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}
