// Package breaker implements the durable per-project circuit breaker
// gating reconciliation attempts. State lives in the catalog and is
// mutated only through compare-and-swap conditional writes, so concurrent
// workers cannot race each other into an inconsistent state. If the
// catalog is unreachable the breaker fails safe to closed.
package breaker
