// Package launcher is the runtime linked into generated launcher
// binaries. It forwards an invocation to the daemon and falls back to
// direct execution whenever the accelerated path cannot serve.
package launcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"relay/internal/config"
	"relay/internal/invoke"
	"relay/internal/protocol"
	"relay/internal/supervisor"
)

// CompleteEnvVar marks an invocation as a shell completion query. Its
// value is ignored; presence is the signal.
const CompleteEnvVar = "RELAY_COMPLETE"

// ExitUnavailable is returned when neither the daemon nor a fallback
// can serve the invocation.
const ExitUnavailable = 125

const defaultWaitTimeout = 5 * time.Second

// Reserved control flags, consumed by the launcher and never forwarded.
const (
	flagKill        = "-_K"
	flagKillLong    = "--_KILL"
	flagRestart     = "-_R"
	flagRestartLong = "--_RESTART"
	flagNoop        = "-_N"
	flagNoopLong    = "--_NOOP"
)

// Spec is the compiled-in description of one generated launcher.
type Spec struct {
	// Name is the command forwarded as argv[0] to the daemon.
	Name string
	// ConfigPath overrides config discovery when set.
	ConfigPath string
	// StartCmd launches the daemon when it is not running. An empty
	// Program disables autostart.
	StartCmd supervisor.StartCmd
	// StartEnv is injected into the daemon's environment at spawn.
	// It never leaks into forwarded request environments.
	StartEnv map[string]string
	// Target is the argv executed directly when the daemon path fails.
	// Captured arguments are appended.
	Target []string
	// Fallback, when set, replaces the Target exec on the fallback path.
	Fallback func(invoke.Context) int
	// WaitTimeout bounds how long to wait for a launched daemon's socket.
	WaitTimeout time.Duration

	// Args defaults to os.Args[1:].
	Args []string
	// Stdin, Stdout, Stderr default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (s *Spec) fillDefaults() {
	if s.Args == nil {
		s.Args = os.Args[1:]
	}
	if s.Stdin == nil {
		s.Stdin = os.Stdin
	}
	if s.Stdout == nil {
		s.Stdout = os.Stdout
	}
	if s.Stderr == nil {
		s.Stderr = os.Stderr
	}
	if s.WaitTimeout <= 0 {
		s.WaitTimeout = defaultWaitTimeout
	}
}

// Run executes one launcher invocation and returns the process exit code.
func Run(spec Spec) int {
	spec.fillDefaults()

	if len(spec.Args) > 0 {
		if code, handled := runControlFlag(&spec, spec.Args[0]); handled {
			return code
		}
	}

	req, err := captureRequest(&spec)
	if err != nil {
		fmt.Fprintf(spec.Stderr, "relay: %v\n", err)
		return ExitUnavailable
	}

	if os.Getenv(CompleteEnvVar) != "" {
		return runCompletion(&spec, req)
	}

	resp, err := forward(&spec, protocol.NewRequest(protocol.KindExec, uuid.NewString(), req))
	if err != nil {
		return fallback(&spec, req)
	}
	res := resp.Result()
	spec.Stdout.Write(res.Stdout)
	spec.Stderr.Write(res.Stderr)
	return res.ExitCode
}

func loadConfig(spec *Spec) (*config.Config, error) {
	cfg, _, err := config.Load(spec.ConfigPath)
	return cfg, err
}

func runControlFlag(spec *Spec, flag string) (int, bool) {
	switch flag {
	case flagKill, flagKillLong:
		cfg, err := loadConfig(spec)
		if err != nil {
			fmt.Fprintf(spec.Stderr, "relay: %v\n", err)
			return 1, true
		}
		result, err := supervisor.Stop(cfg, spec.WaitTimeout)
		if errors.Is(err, supervisor.ErrNotRunning) {
			return 0, true
		}
		if err != nil {
			fmt.Fprintf(spec.Stderr, "relay: stop daemon: %v\n", err)
			return 1, true
		}
		fmt.Fprintf(spec.Stderr, "relay: stopped daemon (pid %d)\n", result.PID)
		return 0, true
	case flagRestart, flagRestartLong:
		cfg, err := loadConfig(spec)
		if err != nil {
			fmt.Fprintf(spec.Stderr, "relay: %v\n", err)
			return 1, true
		}
		if _, err := supervisor.Restart(cfg, startCmd(spec), spec.WaitTimeout, spec.WaitTimeout); err != nil {
			fmt.Fprintf(spec.Stderr, "relay: restart daemon: %v\n", err)
			return 1, true
		}
		return 0, true
	case flagNoop, flagNoopLong:
		cfg, err := loadConfig(spec)
		if err != nil {
			fmt.Fprintf(spec.Stderr, "relay: %v\n", err)
			return 1, true
		}
		if _, err := ensureDaemon(spec, cfg); err != nil {
			fmt.Fprintf(spec.Stderr, "relay: start daemon: %v\n", err)
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func captureRequest(spec *Spec) (invoke.Context, error) {
	argv := append([]string{spec.Name}, spec.Args...)
	req, err := invoke.Capture(argv)
	if err != nil {
		return invoke.Context{}, err
	}
	req.Stdin = capturedStdin(spec)
	return req, nil
}

// capturedStdin reads piped input up front so it can travel in the
// request. Terminal stdin is never captured.
func capturedStdin(spec *Spec) []byte {
	file, isFile := spec.Stdin.(*os.File)
	if isFile && isatty.IsTerminal(file.Fd()) {
		return nil
	}
	data, err := io.ReadAll(spec.Stdin)
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}

func startCmd(spec *Spec) supervisor.StartCmd {
	cmd := spec.StartCmd
	if len(spec.StartEnv) > 0 {
		env := cmd.Env
		if env == nil {
			env = os.Environ()
		}
		cmd.Env = append(append([]string(nil), env...), invoke.EnvSlice(spec.StartEnv)...)
	}
	return cmd
}

func ensureDaemon(spec *Spec, cfg *config.Config) (supervisor.StartResult, error) {
	if spec.StartCmd.Program == "" {
		if err := supervisor.Ping(cfg.SocketPath()); err != nil {
			return supervisor.StartResult{}, err
		}
		return supervisor.StartResult{State: supervisor.StartStateAlreadyRunning}, nil
	}
	return supervisor.EnsureStarted(cfg, startCmd(spec), spec.WaitTimeout)
}

func forward(spec *Spec, req protocol.Request) (protocol.Response, error) {
	cfg, err := loadConfig(spec)
	if err != nil {
		return protocol.Response{}, err
	}
	if _, err := ensureDaemon(spec, cfg); err != nil {
		return protocol.Response{}, err
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath(), 2*time.Second)
	if err != nil {
		return protocol.Response{}, err
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, err
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return protocol.Response{}, err
	}
	if resp.ErrorKind != "" {
		return protocol.Response{}, fmt.Errorf("daemon refused request: %s", resp.ErrorMessage)
	}
	return resp, nil
}

func runCompletion(spec *Spec, req invoke.Context) int {
	resp, err := forward(spec, protocol.NewRequest(protocol.KindComplete, uuid.NewString(), req))
	if err != nil {
		// Completion has no fallback worth running; an empty candidate
		// list degrades gracefully in the shell.
		return 0
	}
	for _, candidate := range resp.Result().Candidates {
		fmt.Fprintln(spec.Stdout, candidate)
	}
	return 0
}

// fallback runs the invocation without the daemon. Acceleration-layer
// failures never become invocation failures.
func fallback(spec *Spec, req invoke.Context) int {
	if spec.Fallback != nil {
		return spec.Fallback(req)
	}
	if len(spec.Target) == 0 {
		fmt.Fprintf(spec.Stderr, "relay: daemon unavailable and no direct target configured\n")
		return ExitUnavailable
	}

	argv := append(append([]string(nil), spec.Target...), spec.Args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = invoke.EnvSlice(req.Env)
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	} else {
		cmd.Stdin = spec.Stdin
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	err := cmd.Run()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	fmt.Fprintf(spec.Stderr, "relay: run %s: %v\n", argv[0], err)
	return ExitUnavailable
}
