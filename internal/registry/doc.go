// Package registry holds the daemon's command table: a mapping from command
// name to a loaded, ready-to-invoke handler.
//
// The table is built exactly once at daemon startup and never mutated
// afterwards, so concurrent lookups from request goroutines need no locking.
// The preloading is the whole point of the daemon: handler construction costs
// are paid once per daemon lifetime instead of once per invocation.
package registry
