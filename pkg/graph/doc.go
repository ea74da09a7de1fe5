// Package graph implements the in-memory dependency graph, the populator
// that infers edges from resource metadata and outputs, and the query
// facade (impact analysis, dependency chains, healing order) with its
// invalidate-on-write cache. The graph is lazily hydrated from the
// catalog and rejects any edge that would close a cycle at insertion
// time.
package graph
