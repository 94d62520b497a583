package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Daemon contains settings for the background daemon process.
type Daemon struct {
	Name                  string   `toml:"name"`
	IdleTimeoutSeconds    int      `toml:"idle_timeout_seconds"`
	RequestTimeoutSeconds int      `toml:"request_timeout_seconds"`
	MaxConcurrent         int      `toml:"max_concurrent"`
	SerialCommands        []string `toml:"serial_commands"`
}

// Paths contains directory configuration.
type Paths struct {
	RuntimeDir string `toml:"runtime_dir"`
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
}

// Logging contains log output configuration.
type Logging struct {
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	RetentionDays int    `toml:"retention_days"`
}

// Config is the root configuration shared by the CLI, the daemon, and
// generated launchers.
type Config struct {
	Daemon  Daemon  `toml:"daemon"`
	Paths   Paths   `toml:"paths"`
	Logging Logging `toml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Daemon: Daemon{
			Name:                  "relay",
			IdleTimeoutSeconds:    300,
			RequestTimeoutSeconds: 60,
			MaxConcurrent:         8,
		},
		Paths: Paths{
			StateDir: "~/.local/state/relay",
		},
		Logging: Logging{
			Level:         "info",
			Format:        "console",
			RetentionDays: 14,
		},
	}
}

// DefaultPath returns the location probed when no explicit config path is
// provided.
func DefaultPath() (string, error) {
	return ExpandPath("~/.config/relay/config.toml")
}

// Load reads configuration from the given path. When path is empty the
// RELAY_CONFIG environment variable and then the default location are
// consulted. A missing file yields the defaults rather than an error so that
// launchers work on machines with no configuration at all.
func Load(path string) (*Config, string, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		resolved = strings.TrimSpace(os.Getenv("RELAY_CONFIG"))
	}
	if resolved == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, "", err
		}
		resolved = defaultPath
	}

	expanded, err := ExpandPath(resolved)
	if err != nil {
		return nil, "", err
	}

	cfg := Default()
	data, err := os.ReadFile(expanded)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// No config file; run on defaults.
	case err != nil:
		return nil, "", fmt.Errorf("read config %s: %w", expanded, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, "", fmt.Errorf("parse config %s: %w", expanded, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", err
	}
	return &cfg, expanded, nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the runtime, state, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RuntimeDir, c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SocketPath returns the daemon socket location, derived from the daemon name
// so independent launchers agree on it.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.RuntimeDir, c.Daemon.Name+".sock")
}

// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.RuntimeDir, c.Daemon.Name+".pid")
}

// LockPath returns the daemon singleton lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, c.Daemon.Name+".lock")
}

// HistoryPath returns the invocation ledger database location.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// LogPath returns the stable daemon log pointer location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "relay.log")
}

// SerialSet returns the configured serial command names as a lookup set.
func (c *Config) SerialSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Daemon.SerialCommands))
	for _, name := range c.Daemon.SerialCommands {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return set
}

// ExpandPath resolves a leading ~ against the current user's home directory.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Clean(trimmed), nil
}
