// Package daemonrun wires configuration, logging, history, and the
// server into a running daemon process.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"relay/internal/config"
	"relay/internal/daemon"
	"relay/internal/history"
	"relay/internal/logging"
	"relay/internal/registry"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Foreground mirrors logs to stdout in addition to the log file.
	Foreground bool
	// DisableHistory skips the invocation ledger.
	DisableHistory bool
}

// Run starts the relay daemon loop and blocks until a signal arrives or
// the daemon shuts itself down when idle.
func Run(cmdCtx context.Context, cfg *config.Config, commands []registry.Command, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("relay-%s.log", runID))

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	outputs := []string{logPath}
	if opts.Foreground {
		outputs = append(outputs, "stdout")
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update relay.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "relay-*.log", Exclude: []string{logPath}},
	)

	reg, err := registry.New(append(registry.Builtin(Version), commands...))
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	var store *history.Store
	if !opts.DisableHistory {
		store, err = history.Open(cfg.HistoryPath())
		if err != nil {
			logger.Warn("history disabled", logging.Error(err))
			store = nil
		} else {
			defer store.Close()
		}
	}

	srv, err := daemon.New(cfg, reg, store, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := srv.Start(signalCtx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("start daemon: %w", err)
	}

	select {
	case <-signalCtx.Done():
		logger.Info("relay daemon shutting down on signal")
	case <-srv.Done():
	}
	return srv.Close()
}

// Version is stamped at build time for builtin version reporting.
var Version = "dev"

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "relay.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}
