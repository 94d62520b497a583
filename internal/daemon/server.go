// Package daemon implements the resident command server. It owns the
// singleton lock, the unix socket, and the lifecycle of every request
// that arrives from a launcher.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"relay/internal/config"
	"relay/internal/history"
	"relay/internal/invoke"
	"relay/internal/logging"
	"relay/internal/protocol"
	"relay/internal/registry"
	"relay/internal/sandbox"
)

// ExitTimeout is reported when a request exceeds the configured
// request timeout. It mirrors the convention used by timeout(1).
const ExitTimeout = 124

// ErrAlreadyRunning indicates another daemon instance holds the
// singleton lock for this configuration.
var ErrAlreadyRunning = errors.New("daemon already running")

// cancelGrace is how long a timed-out handler gets to observe its
// context cancellation before the daemon answers without it.
const cancelGrace = 250 * time.Millisecond

// admitTimeout bounds how long a connection may queue for an execution
// slot. Past it the daemon answers overloaded so the launcher can run
// the invocation directly instead of piling up behind the limit.
const admitTimeout = 2 * time.Second

// Server accepts launcher connections on a unix socket and dispatches
// them against the command registry.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	store   *history.Store
	logger  *slog.Logger
	box     *sandbox.Sandbox
	serials map[string]struct{}

	lock     *flock.Flock
	listener net.Listener
	sem      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt  time.Time
	lastActive atomic.Int64
	inFlight   atomic.Int64
	served     atomic.Int64

	idleTimeout    time.Duration
	requestTimeout time.Duration
}

// Status is a point-in-time snapshot of a running server.
type Status struct {
	PID        int
	StartedAt  time.Time
	Served     int64
	InFlight   int64
	SocketPath string
}

// New builds a server from configuration. The history store may be nil
// when invocation recording is disabled.
func New(cfg *config.Config, reg *registry.Registry, store *history.Store, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("daemon: nil config")
	}
	if reg == nil {
		return nil, errors.New("daemon: nil registry")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	serials := cfg.SerialSet()
	for _, name := range reg.Names() {
		cmd, _ := reg.Lookup(name)
		if cmd.Serial {
			serials[name] = struct{}{}
		}
	}

	return &Server{
		cfg:            cfg,
		reg:            reg,
		store:          store,
		logger:         logger.With(logging.String(logging.FieldComponent, "daemon")),
		box:            sandbox.New(),
		serials:        serials,
		sem:            make(chan struct{}, cfg.Daemon.MaxConcurrent),
		idleTimeout:    time.Duration(cfg.Daemon.IdleTimeoutSeconds) * time.Second,
		requestTimeout: time.Duration(cfg.Daemon.RequestTimeoutSeconds) * time.Second,
	}, nil
}

// Start acquires the singleton lock, binds the socket, and begins
// accepting connections. It returns ErrAlreadyRunning when another
// instance holds the lock.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.EnsureDirectories(); err != nil {
		return err
	}

	s.lock = flock.New(s.cfg.LockPath())
	held, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !held {
		return ErrAlreadyRunning
	}

	// The lock guarantees no live daemon owns this socket, so a
	// leftover file is stale and safe to remove.
	if err := os.Remove(s.cfg.SocketPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.unlock()
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath())
	if err != nil {
		s.unlock()
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath(), err)
	}
	s.listener = listener
	s.startedAt = time.Now()
	s.touch()

	if err := s.writePIDFile(); err != nil {
		listener.Close()
		s.unlock()
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()
	if s.idleTimeout > 0 {
		s.wg.Add(1)
		go s.idleLoop()
	}

	s.logger.Info("daemon started",
		logging.String("socket", s.cfg.SocketPath()),
		logging.Int("pid", os.Getpid()),
		logging.Int("commands", s.reg.Len()))
	return nil
}

// Done is closed when the server has decided to stop, either from idle
// shutdown or from cancellation of the Start context.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close stops accepting connections, waits for in-flight requests, and
// removes the socket and pid files before releasing the lock.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	var firstErr error
	for _, path := range []string{s.cfg.SocketPath(), s.cfg.PIDPath()} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	s.unlock()
	s.logger.Info("daemon stopped", logging.Int64("served", s.served.Load()))
	return firstErr
}

// Status reports the server's current counters.
func (s *Server) Status() Status {
	return Status{
		PID:        os.Getpid(),
		StartedAt:  s.startedAt,
		Served:     s.served.Load(),
		InFlight:   s.inFlight.Load(),
		SocketPath: s.cfg.SocketPath(),
	}
}

func (s *Server) unlock() {
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("release daemon lock", logging.Error(err))
		}
	}
}

func (s *Server) writePIDFile() error {
	contents := fmt.Sprintf("%d\n%s\n", os.Getpid(), s.startedAt.Format(time.RFC3339))
	if err := os.WriteFile(s.cfg.PIDPath(), []byte(contents), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (s *Server) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Server) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept connection", logging.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) idleLoop() {
	defer s.wg.Done()
	interval := s.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.inFlight.Load() == 0 && s.idleFor() >= s.idleTimeout {
				s.logger.Info("idle shutdown",
					logging.Duration("idle", s.idleFor()),
					logging.Int64("served", s.served.Load()))
				s.cancel()
				return
			}
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.touch()

	admit := time.NewTimer(admitTimeout)
	defer admit.Stop()
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-admit.C:
		s.logger.Warn("connection rejected at concurrency limit",
			logging.Int("max_concurrent", cap(s.sem)))
		s.respond(conn, "", protocol.ErrorResponse(protocol.ErrorKindOverloaded,
			fmt.Sprintf("daemon at concurrency limit %d", cap(s.sem))))
		return
	case <-s.ctx.Done():
		return
	}

	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.touch()
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	header, req, err := protocol.ReadRequest(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.logger.Warn("read request", logging.Error(err))
		s.respond(conn, "", protocol.ErrorResponse(protocol.ErrorKindMalformedRequest, err.Error()))
		return
	}
	if header.Version != protocol.Version || req.ProtocolVersion != protocol.Version {
		s.logger.Warn("protocol mismatch",
			logging.Int("got", int(header.Version)),
			logging.Int("want", int(protocol.Version)))
		s.respond(conn, req.RequestID, protocol.ErrorResponse(protocol.ErrorKindProtocolMismatch,
			fmt.Sprintf("daemon speaks protocol %d, client sent %d", protocol.Version, header.Version)))
		return
	}

	started := time.Now()
	var resp protocol.Response
	switch req.Kind {
	case protocol.KindPing:
		resp = protocol.NewResponse(invoke.Result{})
	case protocol.KindComplete:
		resp = s.complete(req)
	case protocol.KindExec:
		resp = s.execute(conn, req)
	default:
		resp = protocol.ErrorResponse(protocol.ErrorKindMalformedRequest,
			fmt.Sprintf("unknown request kind %q", req.Kind))
	}
	s.record(req, resp, time.Since(started))
	s.respond(conn, req.RequestID, resp)
	s.served.Add(1)
}

func (s *Server) respond(conn net.Conn, requestID string, resp protocol.Response) {
	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.logger.Warn("write response",
			logging.Error(err),
			logging.String(logging.FieldRequestID, requestID))
	}
}

func (s *Server) complete(req protocol.Request) protocol.Response {
	candidates := s.reg.Complete(req.InvokeContext())
	return protocol.NewResponse(invoke.Result{Candidates: candidates})
}

func (s *Server) isSerial(name string) bool {
	_, ok := s.serials[name]
	return ok
}

type execResult struct {
	code int
	err  error
}

func (s *Server) execute(conn net.Conn, req protocol.Request) protocol.Response {
	reqCtx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	defer cancel()

	// A launcher that disappears mid-request has nothing left to
	// receive. The only read after the frame is EOF or an error,
	// either of which means the peer is gone.
	go func() {
		var b [1]byte
		conn.Read(b[:])
		cancel()
	}()

	started := time.Now()
	ictx := req.InvokeContext()
	if ictx.Env == nil {
		ictx.Env = map[string]string{}
	}
	ictx.Env[invoke.DaemonEnvVar] = "1"

	command := ictx.Command()
	log := s.logger.With(
		logging.String(logging.FieldRequestID, req.RequestID),
		logging.String(logging.FieldCommand, command))
	log.Info("exec request", logging.Int("args", len(ictx.Args())))

	var stdout, stderr bytes.Buffer
	streams := registry.IO{
		Stdin:  bytes.NewReader(ictx.Stdin),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	done := make(chan execResult, 1)
	go func() {
		code, err := s.box.Run(s.isSerial(command), ictx, func() int {
			return s.reg.Dispatch(reqCtx, ictx, streams)
		})
		done <- execResult{code: code, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-reqCtx.Done():
		// Give the handler a moment to observe cancellation so we
		// can still return its output. If it will not yield, answer
		// without touching its buffers.
		grace := time.NewTimer(cancelGrace)
		defer grace.Stop()
		select {
		case res = <-done:
		case <-grace.C:
			log.Warn("request timed out", logging.Duration("timeout", s.requestTimeout))
			return protocol.NewResponse(invoke.Result{
				Stderr:   []byte(fmt.Sprintf("relay: %s timed out after %s\n", command, s.requestTimeout)),
				ExitCode: ExitTimeout,
			})
		}
	}

	if errors.Is(res.err, sandbox.ErrNotExecuted) {
		// The handler never ran, so the launcher may serve this
		// invocation directly without risking a double execution.
		log.Warn("exec setup failed", logging.Error(res.err))
		return protocol.ErrorResponse(protocol.ErrorKindInternal, res.err.Error())
	}

	code := res.code
	if res.err != nil {
		fmt.Fprintf(&stderr, "relay: %s: %v\n", command, res.err)
		if code == 0 {
			code = 1
		}
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		fmt.Fprintf(&stderr, "relay: %s timed out after %s\n", command, s.requestTimeout)
		code = ExitTimeout
	}

	log.Info("exec finished",
		logging.Int("exit_code", code),
		logging.Duration("duration", time.Since(started)))

	return protocol.NewResponse(invoke.Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: code,
	})
}

func (s *Server) record(req protocol.Request, resp protocol.Response, elapsed time.Duration) {
	if s.store == nil || req.Kind == protocol.KindPing {
		return
	}
	entry := history.Entry{
		RequestID:  req.RequestID,
		Command:    req.InvokeContext().Command(),
		Kind:       req.Kind,
		ExitCode:   resp.ExitCode,
		DurationMS: elapsed.Milliseconds(),
		StartedAt:  time.Now().Add(-elapsed),
	}
	if err := s.store.Record(context.Background(), entry); err != nil {
		s.logger.Warn("record invocation", logging.Error(err))
	}
}
