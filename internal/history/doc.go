// Package history persists the ledger of invocations served by the daemon.
//
// The daemon is the only writer. The CLI reads the ledger for `relay history`
// and status output, which is safe concurrently because the database runs in
// WAL mode.
package history
