package sandbox

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"relay/internal/invoke"
)

// ErrNotExecuted marks failures that occurred before the handler ran. The
// invocation is untouched and safe to serve on another path.
var ErrNotExecuted = errors.New("handler not executed")

// Sandbox guards handler execution inside a long-lived process that serves
// many logically independent invocations.
//
// Parallel commands never touch process-global state: they see the request's
// working directory and environment purely as values on the invocation
// context, so any number may run concurrently.
//
// Serial commands manipulate state that cannot be passed by value (code that
// genuinely reads os.Getwd or os.Environ). Their requests run one at a time
// inside a single process-wide mutual-exclusion domain: the ambient globals
// are snapshotted, overridden with the request's values, and restored on
// every exit path, success, failure, or panic.
type Sandbox struct {
	mu sync.Mutex
}

func New() *Sandbox {
	return &Sandbox{}
}

// Run executes fn under the discipline selected by serial and returns its
// exit code. A panicking fn yields exit code 1 and the recovered error;
// ambient state is restored before Run returns in every case.
func (s *Sandbox) Run(serial bool, req invoke.Context, fn func() int) (code int, err error) {
	if !serial {
		return protect(fn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := snapshot()
	if err != nil {
		return 1, fmt.Errorf("%w: %v", ErrNotExecuted, err)
	}
	defer func() {
		if restoreErr := snap.restore(); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()

	if err := apply(req); err != nil {
		return 1, fmt.Errorf("%w: %v", ErrNotExecuted, err)
	}
	return protect(fn)
}

func protect(fn func() int) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			code = 1
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(), nil
}

type state struct {
	dir string
	env []string
}

func snapshot() (state, error) {
	dir, err := os.Getwd()
	if err != nil {
		return state{}, fmt.Errorf("sandbox: snapshot working directory: %w", err)
	}
	return state{dir: dir, env: os.Environ()}, nil
}

func apply(req invoke.Context) error {
	if req.Dir != "" {
		if err := os.Chdir(req.Dir); err != nil {
			return fmt.Errorf("sandbox: enter request directory: %w", err)
		}
	}
	os.Clearenv()
	for key, value := range req.Env {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("sandbox: set %s: %w", key, err)
		}
	}
	return nil
}

func (s state) restore() error {
	os.Clearenv()
	for _, entry := range s.env {
		key, value, ok := cutEnv(entry)
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("sandbox: restore %s: %w", key, err)
		}
	}
	if err := os.Chdir(s.dir); err != nil {
		return fmt.Errorf("sandbox: restore working directory: %w", err)
	}
	return nil
}

func cutEnv(entry string) (string, string, bool) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			if i == 0 {
				return "", "", false
			}
			return entry[:i], entry[i+1:], true
		}
	}
	return "", "", false
}
