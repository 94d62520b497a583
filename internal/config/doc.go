// Package config loads and normalizes the TOML configuration shared by the
// relay CLI, the daemon, and generated launchers.
//
// Discovery paths (socket, pid file, lock file) are derived deterministically
// from the configured daemon name so that independently built launchers agree
// on where to find a daemon without any coordination.
package config
