// Package logging assembles structured slog loggers and formatting helpers
// used across relay components.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes attribute helpers so daemon and supervisor code emit log lines
// with consistent keys. A no-op logger is provided for tests and for wiring
// code that cannot fail.
package logging
