package supervisor_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"relay/internal/config"
	"relay/internal/daemon"
	"relay/internal/logging"
	"relay/internal/registry"
	"relay/internal/supervisor"
	"relay/internal/testsupport"
)

func startDaemon(t *testing.T, cfg *config.Config) *daemon.Server {
	t.Helper()
	reg, err := registry.New(registry.Builtin("test"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	srv, err := daemon.New(cfg, reg, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// deadPID returns a pid that belonged to a process that has already
// exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	return cmd.Process.Pid
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.pid")

	if _, _, err := supervisor.ReadPIDFile(path); err == nil {
		t.Fatal("expected error for missing pid file")
	}

	startedAt := time.Now().UTC().Truncate(time.Second)
	contents := "4242\n" + startedAt.Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, got, err := supervisor.ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("pid = %d, want 4242", pid)
	}
	if !got.Equal(startedAt) {
		t.Fatalf("startedAt = %s, want %s", got, startedAt)
	}

	// Missing start time is tolerated.
	if err := os.WriteFile(path, []byte("77\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, got, err = supervisor.ReadPIDFile(path)
	if err != nil || pid != 77 || !got.IsZero() {
		t.Fatalf("pid-only file: pid=%d startedAt=%s err=%v", pid, got, err)
	}

	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := supervisor.ReadPIDFile(path); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}

func TestInspectStopped(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	probe := supervisor.Inspect(cfg)
	if probe.State != supervisor.StateStopped {
		t.Fatalf("state = %s, want stopped", probe.State)
	}
}

func TestInspectRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startDaemon(t, cfg)

	probe := supervisor.Inspect(cfg)
	if probe.State != supervisor.StateRunning {
		t.Fatalf("state = %s, want running", probe.State)
	}
	if probe.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", probe.PID, os.Getpid())
	}
	if probe.StartedAt.IsZero() {
		t.Fatal("expected a start time from the pid file")
	}
}

func TestInspectStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pid := deadPID(t)
	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	probe := supervisor.Inspect(cfg)
	if probe.State != supervisor.StateStale {
		t.Fatalf("state = %s, want stale", probe.State)
	}
}

func TestInspectUnreachable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	probe := supervisor.Inspect(cfg)
	if probe.State != supervisor.StateUnreachable {
		t.Fatalf("state = %s, want unreachable", probe.State)
	}
}

func TestCleanStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pid := deadPID(t)
	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.LockPath(), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := supervisor.CleanStale(cfg)
	if err != nil {
		t.Fatalf("CleanStale: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want pid and lock files", removed)
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatal("pid file should be gone")
	}

	// Second pass is a no-op.
	removed, err = supervisor.CleanStale(cfg)
	if err != nil || removed != nil {
		t.Fatalf("idempotent clean: removed=%v err=%v", removed, err)
	}
}

func TestCleanStaleRefusesLiveProcess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := supervisor.CleanStale(cfg); err == nil {
		t.Fatal("expected refusal while the pid is alive")
	}
}

func TestEnsureStartedAlreadyRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startDaemon(t, cfg)

	result, err := supervisor.EnsureStarted(cfg, supervisor.StartCmd{Program: "/bin/false"}, time.Second)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if result.State != supervisor.StartStateAlreadyRunning {
		t.Fatalf("state = %s, want already_running", result.State)
	}
	if result.Launched {
		t.Fatal("should not have launched a second daemon")
	}
}

func TestStopNotRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := supervisor.Stop(cfg, time.Second); err != supervisor.ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestStopCleansStaleResidue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pid := deadPID(t)
	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := supervisor.Stop(cfg, time.Second); err != supervisor.ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatal("stale pid file should have been cleaned")
	}
}

func TestWaitForSocketTimesOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	start := time.Now()
	if err := supervisor.WaitForSocket(cfg.SocketPath(), 500*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("wait took %s", time.Since(start))
	}
}

func TestPingRunningDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startDaemon(t, cfg)
	if err := supervisor.Ping(cfg.SocketPath()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

