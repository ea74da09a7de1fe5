// Package snapshot provides file-backed desired-state and actual-state
// providers for the reconciliation engine, plus a watcher that triggers
// on-demand cycles when a snapshot file changes.
package snapshot
