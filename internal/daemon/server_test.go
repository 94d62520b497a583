package daemon_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"relay/internal/config"
	"relay/internal/daemon"
	"relay/internal/invoke"
	"relay/internal/logging"
	"relay/internal/protocol"
	"relay/internal/registry"
	"relay/internal/testsupport"
)

func newRegistry(t *testing.T, extra ...registry.Command) *registry.Registry {
	t.Helper()
	cmds := append(registry.Builtin("test"), extra...)
	reg, err := registry.New(cmds)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func startServer(t *testing.T, cfg *config.Config, reg *registry.Registry) *daemon.Server {
	t.Helper()
	srv, err := daemon.New(cfg, reg, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Close()
	})
	return srv
}

func roundTrip(t *testing.T, socket string, req protocol.Request) protocol.Response {
	t.Helper()
	resp, err := tryRoundTrip(socket, req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	return resp
}

func tryRoundTrip(socket string, req protocol.Request) (protocol.Response, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return protocol.Response{}, err
	}
	defer conn.Close()
	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, err
	}
	return protocol.ReadResponse(conn)
}

func execRequest(argv ...string) protocol.Request {
	return protocol.NewRequest(protocol.KindExec, uuid.NewString(), invoke.Context{
		Argv: argv,
		Dir:  "/",
		Env:  map[string]string{"PATH": "/usr/bin"},
	})
}

func TestServerEchoRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	srv := startServer(t, cfg, newRegistry(t))

	resp := roundTrip(t, cfg.SocketPath(), execRequest("echo", "hello", "world"))
	if resp.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", resp.ExitCode, resp.Stderr)
	}
	if got := string(resp.Stdout); got != "hello world\n" {
		t.Fatalf("stdout = %q", got)
	}

	status := srv.Status()
	if status.Served != 1 {
		t.Fatalf("served = %d, want 1", status.Served)
	}
}

func TestServerStdinForwarding(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startServer(t, cfg, newRegistry(t))

	req := execRequest("echo")
	req.Stdin = []byte("piped input\n")
	resp := roundTrip(t, cfg.SocketPath(), req)
	if resp.ExitCode != 0 {
		t.Fatalf("exit code = %d", resp.ExitCode)
	}
	if got := string(resp.Stdout); got != "piped input\n" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startServer(t, cfg, newRegistry(t))

	resp := roundTrip(t, cfg.SocketPath(), execRequest("no-such-command"))
	if resp.ExitCode != registry.ExitUnknownCommand {
		t.Fatalf("exit code = %d, want %d", resp.ExitCode, registry.ExitUnknownCommand)
	}
	if !strings.Contains(string(resp.Stderr), "no-such-command") {
		t.Fatalf("stderr = %q", resp.Stderr)
	}
}

func TestServerDaemonMarkerInjected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startServer(t, cfg, newRegistry(t))

	resp := roundTrip(t, cfg.SocketPath(), execRequest("env-report"))
	if resp.ExitCode != 0 {
		t.Fatalf("exit code = %d (stderr: %s)", resp.ExitCode, resp.Stderr)
	}
	if !strings.Contains(string(resp.Stdout), invoke.DaemonEnvVar) {
		t.Fatalf("stdout missing %s marker:\n%s", invoke.DaemonEnvVar, resp.Stdout)
	}
}

func TestServerPing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startServer(t, cfg, newRegistry(t))

	resp := roundTrip(t, cfg.SocketPath(), protocol.NewRequest(protocol.KindPing, uuid.NewString(), invoke.Context{}))
	if resp.ExitCode != 0 || resp.ErrorKind != "" {
		t.Fatalf("ping response = %+v", resp)
	}
}

func TestServerCompletion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startServer(t, cfg, newRegistry(t))

	req := protocol.NewRequest(protocol.KindComplete, uuid.NewString(), invoke.Context{Argv: []string{"e"}})
	resp := roundTrip(t, cfg.SocketPath(), req)
	if resp.ExitCode != 0 {
		t.Fatalf("exit code = %d", resp.ExitCode)
	}
	want := map[string]bool{"echo": true, "env-report": true}
	for _, c := range resp.Candidates {
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing candidates %v in %v", want, resp.Candidates)
	}
}

func TestServerProtocolMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startServer(t, cfg, newRegistry(t))

	req := execRequest("echo", "hi")
	req.ProtocolVersion = protocol.Version + 1
	resp := roundTrip(t, cfg.SocketPath(), req)
	if resp.ErrorKind != protocol.ErrorKindProtocolMismatch {
		t.Fatalf("error kind = %q, want %q", resp.ErrorKind, protocol.ErrorKindProtocolMismatch)
	}
	if resp.ExitCode == 0 {
		t.Fatal("mismatch response should carry a nonzero exit code")
	}
}

func TestServerSecondInstanceRefused(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg := newRegistry(t)
	startServer(t, cfg, reg)

	second, err := daemon.New(cfg, reg, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(context.Background()); err != daemon.ErrAlreadyRunning {
		if err == nil {
			second.Close()
		}
		t.Fatalf("Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestServerRequestTimeout(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRequestTimeout(1))
	startServer(t, cfg, newRegistry(t))

	start := time.Now()
	resp := roundTrip(t, cfg.SocketPath(), execRequest("sleep", "10s"))
	if resp.ExitCode != daemon.ExitTimeout {
		t.Fatalf("exit code = %d, want %d", resp.ExitCode, daemon.ExitTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if !strings.Contains(string(resp.Stderr), "timed out") {
		t.Fatalf("stderr = %q", resp.Stderr)
	}
}

func TestServerConcurrentIsolation(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxConcurrent(8))
	startServer(t, cfg, newRegistry(t))

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			marker := string(rune('a' + i))
			req := protocol.NewRequest(protocol.KindExec, uuid.NewString(), invoke.Context{
				Argv: []string{"env-report", "RELAY_TEST_MARKER"},
				Dir:  "/",
				Env:  map[string]string{"RELAY_TEST_MARKER": marker},
			})
			resp, err := tryRoundTrip(cfg.SocketPath(), req)
			if err != nil {
				t.Errorf("worker %d round trip: %v", i, err)
				return
			}
			if resp.ExitCode != 0 {
				t.Errorf("worker %d exit code = %d", i, resp.ExitCode)
				return
			}
			if !strings.Contains(string(resp.Stdout), "RELAY_TEST_MARKER="+marker) {
				t.Errorf("worker %d saw wrong environment:\n%s", i, resp.Stdout)
			}
		}()
	}
	wg.Wait()
}

// globalsCommand reads the process-global working directory and the
// named environment variable, unlike env-report which reads request
// values. Only the serialized execution lane makes the two agree.
func globalsCommand(serial bool) registry.Command {
	return registry.Command{
		Name:    "globals",
		Summary: "Report process-global state",
		Serial:  serial,
		Handler: registry.HandlerFunc(func(_ context.Context, _ invoke.Context, streams registry.IO) int {
			dir, _ := os.Getwd()
			fmt.Fprintf(streams.Stdout, "cwd=%s\nmarker=%s\n", dir, os.Getenv("RELAY_TEST_GLOBAL"))
			return 0
		}),
	}
}

func globalsRequest(t *testing.T) (protocol.Request, string) {
	t.Helper()
	reqDir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	req := protocol.NewRequest(protocol.KindExec, uuid.NewString(), invoke.Context{
		Argv: []string{"globals"},
		Dir:  reqDir,
		Env:  map[string]string{"RELAY_TEST_GLOBAL": "from-request"},
	})
	return req, reqDir
}

func TestServerConfigSerialCommandOverridesGlobals(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSerialCommands("globals"))
	startServer(t, cfg, newRegistry(t, globalsCommand(false)))

	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	t.Setenv("RELAY_TEST_GLOBAL", "ambient")

	req, reqDir := globalsRequest(t)
	resp := roundTrip(t, cfg.SocketPath(), req)
	if resp.ExitCode != 0 {
		t.Fatalf("exit code = %d (stderr: %s)", resp.ExitCode, resp.Stderr)
	}
	out := string(resp.Stdout)
	if !strings.Contains(out, "cwd="+reqDir+"\n") {
		t.Fatalf("handler did not observe the request directory:\n%s", out)
	}
	if !strings.Contains(out, "marker=from-request") {
		t.Fatalf("handler did not observe the request environment:\n%s", out)
	}

	// The daemon's own state must be back once the response arrives.
	afterDir, _ := os.Getwd()
	if afterDir != origDir {
		t.Fatalf("daemon working directory changed to %q", afterDir)
	}
	if got := os.Getenv("RELAY_TEST_GLOBAL"); got != "ambient" {
		t.Fatalf("daemon environment not restored, marker = %q", got)
	}
}

func TestServerSerialFlagCommandOverridesGlobals(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startServer(t, cfg, newRegistry(t, globalsCommand(true)))

	req, reqDir := globalsRequest(t)
	resp := roundTrip(t, cfg.SocketPath(), req)
	if resp.ExitCode != 0 {
		t.Fatalf("exit code = %d (stderr: %s)", resp.ExitCode, resp.Stderr)
	}
	out := string(resp.Stdout)
	if !strings.Contains(out, "cwd="+reqDir+"\n") || !strings.Contains(out, "marker=from-request") {
		t.Fatalf("flag-marked command did not run serialized:\n%s", out)
	}
}

func TestServerSerialSetupFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSerialCommands("globals"))
	startServer(t, cfg, newRegistry(t, globalsCommand(false)))

	req := protocol.NewRequest(protocol.KindExec, uuid.NewString(), invoke.Context{
		Argv: []string{"globals"},
		Dir:  filepath.Join(t.TempDir(), "missing"),
	})
	resp := roundTrip(t, cfg.SocketPath(), req)
	if resp.ErrorKind != protocol.ErrorKindInternal {
		t.Fatalf("error kind = %q, want %q", resp.ErrorKind, protocol.ErrorKindInternal)
	}
}

func TestServerOverloadedWhenSaturated(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxConcurrent(1))
	startServer(t, cfg, newRegistry(t))

	errCh := make(chan error, 1)
	go func() {
		_, err := tryRoundTrip(cfg.SocketPath(), execRequest("sleep", "3s"))
		errCh <- err
	}()
	time.Sleep(200 * time.Millisecond)

	resp := roundTrip(t, cfg.SocketPath(), execRequest("echo", "queued"))
	if resp.ErrorKind != protocol.ErrorKindOverloaded {
		t.Fatalf("error kind = %q, want %q", resp.ErrorKind, protocol.ErrorKindOverloaded)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("occupying request failed: %v", err)
	}
}

func TestServerIdleShutdown(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithIdleTimeout(1))
	reg := newRegistry(t)
	srv, err := daemon.New(cfg, reg, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-srv.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down when idle")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Lock and socket must be free for the next instance.
	next, err := daemon.New(cfg, reg, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := next.Start(context.Background()); err != nil {
		t.Fatalf("restart after idle shutdown: %v", err)
	}
	next.Close()
}

func TestServerHistoryRecording(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg := newRegistry(t)
	srv, err := daemon.New(cfg, reg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	roundTrip(t, cfg.SocketPath(), execRequest("echo", "recorded"))

	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Command != "echo" || entries[0].ExitCode != 0 {
		t.Fatalf("entry = %+v", entries[0])
	}
}
