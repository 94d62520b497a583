package invoke_test

import (
	"os"
	"testing"

	"relay/internal/invoke"
)

func TestCapture(t *testing.T) {
	ctx, err := invoke.Capture([]string{"echo", "hi"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	wd, _ := os.Getwd()
	if ctx.Dir != wd {
		t.Fatalf("expected dir %q, got %q", wd, ctx.Dir)
	}
	if ctx.Command() != "echo" {
		t.Fatalf("expected command echo, got %q", ctx.Command())
	}
	if len(ctx.Args()) != 1 || ctx.Args()[0] != "hi" {
		t.Fatalf("unexpected args %v", ctx.Args())
	}
	if _, ok := ctx.Env["PATH"]; !ok {
		t.Fatal("expected PATH in captured env")
	}
}

func TestEnvMapRoundTrip(t *testing.T) {
	env := invoke.EnvMap([]string{"A=1", "B=x=y", "=bad", "C"})
	if env["A"] != "1" {
		t.Fatalf("unexpected A %q", env["A"])
	}
	if env["B"] != "x=y" {
		t.Fatalf("expected value with embedded equals, got %q", env["B"])
	}
	if len(env) != 2 {
		t.Fatalf("expected malformed entries dropped, got %v", env)
	}

	slice := invoke.EnvSlice(env)
	back := invoke.EnvMap(slice)
	if back["A"] != "1" || back["B"] != "x=y" {
		t.Fatalf("round trip mismatch: %v", back)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := invoke.Context{
		Argv:  []string{"cmd", "arg"},
		Dir:   "/tmp",
		Env:   map[string]string{"K": "v"},
		Stdin: []byte("data"),
	}
	clone := original.Clone()
	clone.Argv[0] = "other"
	clone.Env["K"] = "changed"
	clone.Stdin[0] = 'X'

	if original.Argv[0] != "cmd" || original.Env["K"] != "v" || original.Stdin[0] != 'd' {
		t.Fatal("clone mutated the original")
	}
}
