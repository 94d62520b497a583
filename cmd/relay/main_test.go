package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relay/internal/testsupport"
)

func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	path := testsupport.WriteConfig(t, cfg)
	t.Setenv("RELAY_CONFIG", path)

	root := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunCommandDirect(t *testing.T) {
	stdout, _, err := executeCommand(t, "run", "--direct", "echo", "straight", "through")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout, "straight through") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunCommandUnknownExitCode(t *testing.T) {
	_, _, err := executeCommand(t, "run", "--direct", "does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if got := exitCode(err); got != 127 {
		t.Fatalf("exit code = %d, want 127", got)
	}
}

func TestCommandsCommandListsBuiltins(t *testing.T) {
	stdout, _, err := executeCommand(t, "commands")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"echo", "env-report", "sleep", "version"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("commands output missing %q:\n%s", want, stdout)
		}
	}
}

func TestStatusWhenNotRunning(t *testing.T) {
	stdout, _, err := executeCommand(t, "status")
	if err == nil {
		t.Fatal("expected a nonzero-status error when no daemon runs")
	}
	if got := exitCode(err); got != exitUnreachable {
		t.Fatalf("exit code = %d, want %d", got, exitUnreachable)
	}
	if !strings.Contains(stdout, "Not running") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	stdout, _, err := executeCommand(t, "stop")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout, "Daemon is not running") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestCleanWithNothingStale(t *testing.T) {
	stdout, _, err := executeCommand(t, "clean")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout, "Nothing to clean") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "relay", "config.toml")

	stdout, _, err := executeCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout, target) {
		t.Fatalf("stdout = %q", stdout)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("config file: %v", err)
	}

	// A second init without --overwrite must refuse.
	_, _, err = executeCommand(t, "config", "init", "--path", target)
	if err == nil {
		t.Fatal("expected refusal to overwrite")
	}
}

func TestConfigShow(t *testing.T) {
	stdout, _, err := executeCommand(t, "config", "show")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"[daemon]", "idle_timeout_seconds"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("config show missing %q:\n%s", want, stdout)
		}
	}
}

func TestHistoryWithoutLedger(t *testing.T) {
	stdout, _, err := executeCommand(t, "history")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout, "No invocations recorded") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCommand(t, "version")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout, "relay "+version) {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestExitCodeMapping(t *testing.T) {
	if got := exitCode(errors.New("plain")); got != 1 {
		t.Fatalf("plain error code = %d", got)
	}
	err := withExitCode(exitStaleFound, errors.New("stale"))
	if got := exitCode(err); got != exitStaleFound {
		t.Fatalf("coded error code = %d", got)
	}
	if withExitCode(9, nil) != nil {
		t.Fatal("withExitCode(nil) should stay nil")
	}
}
