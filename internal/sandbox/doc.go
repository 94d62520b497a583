// Package sandbox implements the restore discipline that lets one long-lived
// process safely serve many independent command invocations.
//
// Process-global resources -- working directory and environment -- are treated
// as scoped acquisitions: overridden on entry for commands that need the real
// globals, and restored on every exit path. Commands that can take these as
// plain request values bypass the global lane entirely and run in parallel.
package sandbox
