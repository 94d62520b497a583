package invoke

import (
	"fmt"
	"os"
	"strings"
)

// DaemonEnvVar is set in a request's environment before its handler runs
// inside the daemon. Command logic may rely on it to detect daemon execution,
// for example to tone down startup logging.
const DaemonEnvVar = "RELAY_DAEMON"

// Context is the immutable bundle describing one command invocation: what to
// run, where, and with which environment. One Context is built per invocation
// and discarded once a Result has been produced for it.
type Context struct {
	Argv  []string
	Dir   string
	Env   map[string]string
	Stdin []byte
}

// Result carries the captured output of one executed invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int

	// Candidates is set instead of the byte streams when the invocation was a
	// shell-completion query.
	Candidates []string
}

// Capture builds a Context for the given argv from the calling process's own
// working directory and environment.
func Capture(argv []string) (Context, error) {
	dir, err := os.Getwd()
	if err != nil {
		return Context{}, fmt.Errorf("resolve working directory: %w", err)
	}
	return Context{
		Argv: append([]string{}, argv...),
		Dir:  dir,
		Env:  EnvMap(os.Environ()),
	}, nil
}

// Command returns the command name the invocation targets, which is the first
// argv element.
func (c Context) Command() string {
	if len(c.Argv) == 0 {
		return ""
	}
	return c.Argv[0]
}

// Args returns the arguments following the command name.
func (c Context) Args() []string {
	if len(c.Argv) <= 1 {
		return nil
	}
	return c.Argv[1:]
}

// Clone returns a deep copy so callers can hold a Context across goroutines
// without sharing mutable state.
func (c Context) Clone() Context {
	clone := Context{
		Argv: append([]string{}, c.Argv...),
		Dir:  c.Dir,
	}
	if c.Env != nil {
		clone.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			clone.Env[k] = v
		}
	}
	if c.Stdin != nil {
		clone.Stdin = append([]byte{}, c.Stdin...)
	}
	return clone
}

// EnvMap converts environ-style "KEY=value" entries into a map. Later
// duplicates win, matching process environment semantics.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// EnvSlice converts an environment map back into environ-style entries. The
// order is unspecified.
func EnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
