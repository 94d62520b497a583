// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"relay/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t   testing.TB
	cfg *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Timeouts are kept short so lifecycle tests finish quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Daemon.Name = "relay-test"
	cfgVal.Daemon.IdleTimeoutSeconds = 60
	cfgVal.Daemon.RequestTimeoutSeconds = 5
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")

	builder := &configBuilder{
		t:   t,
		cfg: &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WriteConfig serializes cfg to a TOML file under the state dir and
// returns its path, for code paths that load configuration from disk.
func WriteConfig(t testing.TB, cfg *config.Config) string {
	t.Helper()

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(cfg.Paths.StateDir, "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// WithIdleTimeout overrides the idle shutdown threshold, in seconds.
func WithIdleTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.IdleTimeoutSeconds = seconds
	}
}

// WithRequestTimeout overrides the per-request timeout, in seconds.
func WithRequestTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.RequestTimeoutSeconds = seconds
	}
}

// WithMaxConcurrent overrides the request concurrency limit.
func WithMaxConcurrent(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.MaxConcurrent = n
	}
}

// WithSerialCommands marks the named commands as serialized.
func WithSerialCommands(names ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.SerialCommands = names
	}
}
