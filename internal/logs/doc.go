// Package logs tails the daemon log file with bounded memory usage.
//
// It backs `relay logs`, including follow mode, and survives log
// rotation by rereading from the start when the file shrinks. Callers
// supply context cancellation so background polling shuts down cleanly
// when the CLI exits.
package logs
