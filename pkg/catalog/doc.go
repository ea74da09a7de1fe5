// Package catalog implements the durable resource catalog: resource
// records, directed dependency edges, the per-project circuit breaker
// record, and the audit trail of actions taken in response to drift.
package catalog
