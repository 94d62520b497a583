// Package main hosts the relay CLI entrypoint and command graph.
//
// The Cobra-based command tree covers daemon lifecycle (start, stop,
// restart, clean, status), accelerated execution (run), the invocation
// ledger (history), launcher generation (entrypoint), and configuration
// scaffolding. It centralizes configuration resolution and daemon
// discovery so subcommands can focus on user experience.
//
// Keep this package lean: add new functionality by extending the
// internal packages first, then surface it through dedicated commands
// or flags here.
package main
