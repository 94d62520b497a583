package registry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"relay/internal/invoke"
)

// ExitUnknownCommand is returned when an invocation names a command the
// registry does not hold, mirroring shell "command not found" semantics.
const ExitUnknownCommand = 127

// IO bundles the streams a handler reads and writes. Inside the daemon these
// are capture buffers; in fallback execution they are the process's own stdio.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Handler executes one command invocation and returns its exit code. The
// context is canceled when the request times out or the peer disconnects, and
// handlers doing blocking work should honor it.
type Handler interface {
	Run(ctx context.Context, req invoke.Context, streams IO) int
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req invoke.Context, streams IO) int

func (f HandlerFunc) Run(ctx context.Context, req invoke.Context, streams IO) int {
	return f(ctx, req, streams)
}

// Completer is implemented by handlers that provide argument completion
// beyond the registry's own command-name completion.
type Completer interface {
	Complete(req invoke.Context) []string
}

// Command describes one loaded, ready-to-invoke handler.
type Command struct {
	Name    string
	Summary string

	// Serial opts the command into the single serialized execution lane with
	// real process-global overrides. Commands default to parallel execution
	// against request-local state.
	Serial bool

	Handler Handler
}

// Registry is the daemon's read-only mapping from command name to handler.
// It is built exactly once per daemon lifetime before the first connection is
// accepted, so lookups need no locking.
type Registry struct {
	commands map[string]Command
	names    []string
}

// New builds a registry from the given command set.
func New(commands []Command) (*Registry, error) {
	byName := make(map[string]Command, len(commands))
	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		name := strings.TrimSpace(cmd.Name)
		if name == "" {
			return nil, fmt.Errorf("registry: command with empty name")
		}
		if cmd.Handler == nil {
			return nil, fmt.Errorf("registry: command %q has no handler", name)
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("registry: duplicate command %q", name)
		}
		cmd.Name = name
		byName[name] = cmd
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{commands: byName, names: names}, nil
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns all registered command names in sorted order.
func (r *Registry) Names() []string {
	return append([]string{}, r.names...)
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	return len(r.commands)
}

// Dispatch resolves the invocation's command and runs its handler. Unknown
// commands produce ExitUnknownCommand with a diagnostic on stderr.
func (r *Registry) Dispatch(ctx context.Context, req invoke.Context, streams IO) int {
	name := req.Command()
	cmd, ok := r.Lookup(name)
	if !ok {
		if name == "" {
			fmt.Fprintln(streams.Stderr, "relay: no command given")
		} else {
			fmt.Fprintf(streams.Stderr, "relay: unknown command %q\n", name)
		}
		return ExitUnknownCommand
	}
	return cmd.Handler.Run(ctx, req, streams)
}

// Complete answers a completion query. An empty or single-word argv completes
// command names; deeper queries are delegated to the command's Completer when
// it has one.
func (r *Registry) Complete(req invoke.Context) []string {
	switch len(req.Argv) {
	case 0:
		return r.Names()
	case 1:
		prefix := req.Argv[0]
		var out []string
		for _, name := range r.names {
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)
			}
		}
		return out
	default:
		cmd, ok := r.Lookup(req.Command())
		if !ok {
			return nil
		}
		if completer, ok := cmd.Handler.(Completer); ok {
			return completer.Complete(req)
		}
		return nil
	}
}
