// Package drift compares desired-state snapshots against actual-state
// snapshots and emits classified drift items. Classification is driven by
// a declarative field table rather than scattered conditionals, and the
// detector is deterministic: unchanged snapshots always produce the same
// item set.
package drift
