package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	c.Daemon.Name = strings.TrimSpace(c.Daemon.Name)
	if c.Daemon.Name == "" {
		c.Daemon.Name = "relay"
	}
	if strings.ContainsAny(c.Daemon.Name, "/\\") {
		return fmt.Errorf("daemon name %q must not contain path separators", c.Daemon.Name)
	}

	if c.Daemon.IdleTimeoutSeconds < 0 {
		c.Daemon.IdleTimeoutSeconds = 0
	}
	if c.Daemon.RequestTimeoutSeconds <= 0 {
		c.Daemon.RequestTimeoutSeconds = 60
	}
	if c.Daemon.MaxConcurrent <= 0 {
		c.Daemon.MaxConcurrent = 8
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}

	stateDir, err := ExpandPath(c.Paths.StateDir)
	if err != nil {
		return err
	}
	if stateDir == "" {
		stateDir, err = ExpandPath(Default().Paths.StateDir)
		if err != nil {
			return err
		}
	}
	c.Paths.StateDir = stateDir

	runtimeDir, err := ExpandPath(c.Paths.RuntimeDir)
	if err != nil {
		return err
	}
	if runtimeDir == "" {
		runtimeDir = defaultRuntimeDir(stateDir)
	}
	c.Paths.RuntimeDir = runtimeDir

	logDir, err := ExpandPath(c.Paths.LogDir)
	if err != nil {
		return err
	}
	if logDir == "" {
		logDir = filepath.Join(stateDir, "logs")
	}
	c.Paths.LogDir = logDir

	return nil
}

// defaultRuntimeDir prefers the per-user runtime directory so sockets live on
// tmpfs and disappear with the session.
func defaultRuntimeDir(stateDir string) string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	return filepath.Join(stateDir, "run")
}
