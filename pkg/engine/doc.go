// Package engine orchestrates reconciliation cycles: it fetches desired
// and actual state from external providers, detects and classifies
// drift, heals the safe subset in dependency order through the
// deployment executor, and raises change proposals for the rest. Every
// cycle is gated by the durable circuit breaker and ends with an
// explicit status report.
package engine
