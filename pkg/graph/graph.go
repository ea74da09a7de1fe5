package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/catalog"
	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/telemetry"
)

// Graph is the in-memory directed dependency graph for one project. It is
// lazily hydrated from the catalog and written through to it on every
// mutation: one mutation completes, including the durable write, before
// the next begins. Reads run concurrently under a reader-writer lock.
//
// If the catalog is unreachable the graph keeps operating in memory and
// flags itself degraded; writes made while degraded are not durable.
type Graph struct {
	project string
	store   catalog.Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	resources map[string]ResourceInfo
	adjacency map[string][]Edge // source -> outgoing edges (dependencies)
	reverse   map[string][]Edge // target -> incoming edges (dependents)
	hydrated  map[string]bool
	degraded  bool

	// onMutate is called with the resource ids touched by each successful
	// mutation. Hooks must not call back into the graph.
	onMutate []func(ids ...string)
}

// NewGraph creates a dependency graph backed by the given store. A nil
// store puts the graph in permanently degraded, in-memory-only mode.
func NewGraph(project string, store catalog.Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Graph {
	if logger == nil {
		logger = telemetry.Default()
	}
	g := &Graph{
		project:   project,
		store:     store,
		logger:    logger.NewComponentLogger("graph").WithProject(project),
		metrics:   metrics,
		resources: make(map[string]ResourceInfo),
		adjacency: make(map[string][]Edge),
		reverse:   make(map[string][]Edge),
		hydrated:  make(map[string]bool),
	}
	if store == nil {
		g.degraded = true
	}
	return g
}

// OnMutate registers a hook invoked with the resource ids touched by each
// successful mutation.
func (g *Graph) OnMutate(fn func(ids ...string)) {
	g.onMutate = append(g.onMutate, fn)
}

// Degraded reports whether the graph is operating without durable
// persistence.
func (g *Graph) Degraded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degraded
}

// AddResource registers a resource with the graph and writes it through
// to the catalog.
func (g *Graph) AddResource(ctx context.Context, info ResourceInfo) error {
	if info.ID == "" {
		return errdefs.NewPermanent("resource has empty ID", nil).
			WithCode(errdefs.CodeValidation)
	}

	g.mu.Lock()
	g.resources[info.ID] = info
	g.mu.Unlock()

	if g.store != nil {
		now := time.Now().UTC()
		rec := &catalog.ResourceRecord{
			Project:   g.project,
			ID:        info.ID,
			Type:      info.Type,
			Phase:     info.Phase,
			Metadata:  info.Metadata,
			Outputs:   info.Outputs,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := g.store.UpsertResource(ctx, rec); err != nil {
			g.markDegraded(err, "resource write not durable")
		}
	}

	if g.metrics != nil {
		g.mu.RLock()
		count := len(g.resources)
		g.mu.RUnlock()
		g.metrics.SetGraphResources(float64(count))
	}

	g.notify(info.ID)
	return nil
}

// HasResource reports whether a resource is known to the graph.
func (g *Graph) HasResource(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.resources[id]
	return ok
}

// Resource returns the registered info for a resource id.
func (g *Graph) Resource(id string) (ResourceInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	info, ok := g.resources[id]
	return info, ok
}

// ResourceIDs returns all known resource ids in sorted order.
func (g *Graph) ResourceIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.resources))
	for id := range g.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddEdge inserts a dependency edge after verifying it cannot close a
// cycle. Source depends on target. A rejected edge is never written, in
// memory or durably.
func (g *Graph) AddEdge(ctx context.Context, source, target, relationship string, confidence float64, method Method) error {
	if source == target {
		if g.metrics != nil {
			g.metrics.RecordEdgeRejected("self_loop")
		}
		return errdefs.NewPermanent(fmt.Sprintf("self-loop rejected: %s", source), nil).
			WithCode(errdefs.CodeCycleDetected).
			WithResource(source)
	}
	if confidence < 0 || confidence > 1 {
		return errdefs.NewPermanent(fmt.Sprintf("confidence %v out of range [0,1]", confidence), nil).
			WithCode(errdefs.CodeValidation)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.hydrateLocked(ctx, source)
	g.hydrateLocked(ctx, target)

	// If source is reachable from target, adding source -> target would
	// close a cycle.
	if path := g.findPathLocked(ctx, target, source); path != nil {
		if g.metrics != nil {
			g.metrics.RecordEdgeRejected("cycle")
		}
		g.logger.WithResourceID(source).
			WithField("target", target).
			WithField("path", path).
			Warn("edge rejected: would create cycle")
		return errdefs.CycleDetected(source, target, path)
	}

	edge := Edge{
		Source:       source,
		Target:       target,
		Relationship: relationship,
		Confidence:   confidence,
		Method:       method,
		CreatedAt:    time.Now().UTC(),
	}

	// Idempotent re-insertion keeps the higher confidence.
	replaced := false
	for i, existing := range g.adjacency[source] {
		if existing.Target == target && existing.Relationship == relationship {
			if edge.Confidence < existing.Confidence {
				edge.Confidence = existing.Confidence
				edge.Method = existing.Method
			}
			g.adjacency[source][i] = edge
			replaced = true
			break
		}
	}
	if !replaced {
		g.adjacency[source] = append(g.adjacency[source], edge)
	}
	g.setReverseLocked(edge)

	if g.store != nil {
		rec := &catalog.EdgeRecord{
			Project:      g.project,
			Source:       source,
			Target:       target,
			Relationship: relationship,
			Confidence:   edge.Confidence,
			Method:       string(edge.Method),
			CreatedAt:    edge.CreatedAt,
		}
		if err := g.store.UpsertEdge(ctx, rec); err != nil {
			g.markDegradedLocked(err, "edge write not durable")
		}
	}

	g.notify(source, target)
	return nil
}

// RemoveEdge removes all edges between source and target, in memory and
// in the catalog.
func (g *Graph) RemoveEdge(ctx context.Context, source, target string) error {
	g.mu.Lock()

	out := g.adjacency[source][:0]
	removed := false
	for _, e := range g.adjacency[source] {
		if e.Target == target {
			removed = true
			continue
		}
		out = append(out, e)
	}
	g.adjacency[source] = out

	in := g.reverse[target][:0]
	for _, e := range g.reverse[target] {
		if e.Source == source {
			continue
		}
		in = append(in, e)
	}
	g.reverse[target] = in
	g.mu.Unlock()

	if !removed {
		return errdefs.NewPermanent(fmt.Sprintf("edge not found: %s -> %s", source, target), nil).
			WithCode(errdefs.CodeNotFound)
	}

	if g.store != nil {
		if err := g.store.DeleteEdge(ctx, g.project, source, target); err != nil && !errdefs.HasCode(err, errdefs.CodeNotFound) {
			g.markDegraded(err, "edge removal not durable")
		}
	}

	g.notify(source, target)
	return nil
}

// Dependencies returns the outgoing edges of a resource: what it depends
// on. Hydrated resources are served under the read lock so concurrent
// queries do not serialize; only first-touch hydration takes the write
// lock.
func (g *Graph) Dependencies(ctx context.Context, id string) ([]Edge, error) {
	g.mu.RLock()
	if g.hydrated[id] || g.store == nil {
		edges := append([]Edge(nil), g.adjacency[id]...)
		g.mu.RUnlock()
		sort.Slice(edges, func(i, j int) bool { return edges[i].Target < edges[j].Target })
		return edges, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	g.hydrateLocked(ctx, id)
	edges := append([]Edge(nil), g.adjacency[id]...)
	g.mu.Unlock()

	sort.Slice(edges, func(i, j int) bool { return edges[i].Target < edges[j].Target })
	return edges, nil
}

// Dependents returns the incoming edges of a resource: what depends on
// it. Same locking discipline as Dependencies.
func (g *Graph) Dependents(ctx context.Context, id string) ([]Edge, error) {
	g.mu.RLock()
	if g.hydrated[id] || g.store == nil {
		edges := append([]Edge(nil), g.reverse[id]...)
		g.mu.RUnlock()
		sort.Slice(edges, func(i, j int) bool { return edges[i].Source < edges[j].Source })
		return edges, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	g.hydrateLocked(ctx, id)
	edges := append([]Edge(nil), g.reverse[id]...)
	g.mu.Unlock()

	sort.Slice(edges, func(i, j int) bool { return edges[i].Source < edges[j].Source })
	return edges, nil
}

// HealingOrder computes a dependency-respecting order over the requested
// subset and its transitive dependencies: every resource appears strictly
// after everything it depends on. Ties break toward resources with more
// dependents, then higher pending drift severity, then id.
func (g *Graph) HealingOrder(ctx context.Context, subset []string, severity map[string]drift.Severity) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Expand the subset with its transitive dependencies.
	include := map[string]bool{}
	stack := append([]string(nil), subset...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if include[id] {
			continue
		}
		include[id] = true
		g.hydrateLocked(ctx, id)
		for _, e := range g.adjacency[id] {
			if !include[e.Target] {
				stack = append(stack, e.Target)
			}
		}
	}

	// Kahn's algorithm: a resource is ready once all of its dependencies
	// within the subgraph are emitted.
	inDegree := map[string]int{}
	for id := range include {
		inDegree[id] = 0
	}
	for id := range include {
		for _, e := range g.adjacency[id] {
			if include[e.Target] {
				inDegree[id]++
			}
		}
	}

	ready := []string{}
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(include))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			di, dj := len(g.reverse[ready[i]]), len(g.reverse[ready[j]])
			if di != dj {
				return di > dj
			}
			si, sj := severity[ready[i]], severity[ready[j]]
			if si != sj {
				return si.AtLeast(sj) && !sj.AtLeast(si)
			}
			return ready[i] < ready[j]
		})

		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, e := range g.reverse[id] {
			if !include[e.Source] {
				continue
			}
			inDegree[e.Source]--
			if inDegree[e.Source] == 0 {
				ready = append(ready, e.Source)
			}
		}
	}

	if len(order) != len(include) {
		return nil, errdefs.NewPermanent(
			fmt.Sprintf("healing order incomplete: processed %d of %d resources, cycle present", len(order), len(include)),
			nil,
		).WithCode(errdefs.CodeCycleDetected)
	}

	return order, nil
}

// findPathLocked returns a path from one resource to another following
// dependency edges, or nil when unreachable. Caller holds the write lock.
func (g *Graph) findPathLocked(ctx context.Context, from, to string) []string {
	if from == to {
		return []string{from}
	}

	visited := map[string]bool{from: true}
	parent := map[string]string{}
	queue := []string{from}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.hydrateLocked(ctx, id)

		for _, e := range g.adjacency[id] {
			if visited[e.Target] {
				continue
			}
			visited[e.Target] = true
			parent[e.Target] = id
			if e.Target == to {
				path := []string{to}
				for cur := to; cur != from; {
					cur = parent[cur]
					path = append([]string{cur}, path...)
				}
				return path
			}
			queue = append(queue, e.Target)
		}
	}
	return nil
}

// hydrateLocked loads a resource's edges from the catalog on first
// reference. Cold-start cost stays proportional to the working set, not
// catalog size. Caller holds the write lock.
func (g *Graph) hydrateLocked(ctx context.Context, id string) {
	if g.hydrated[id] || g.store == nil {
		return
	}
	g.hydrated[id] = true

	from, err := g.store.EdgesFrom(ctx, g.project, id)
	if err != nil {
		g.markDegradedLocked(err, "hydration failed, serving in-memory state only")
		return
	}
	into, err := g.store.EdgesInto(ctx, g.project, id)
	if err != nil {
		g.markDegradedLocked(err, "hydration failed, serving in-memory state only")
		return
	}

	for _, rec := range from {
		g.mergeEdgeLocked(recordToEdge(rec))
	}
	for _, rec := range into {
		g.mergeEdgeLocked(recordToEdge(rec))
	}
}

// mergeEdgeLocked inserts a hydrated edge unless a same-keyed edge with
// higher confidence is already in memory.
func (g *Graph) mergeEdgeLocked(edge Edge) {
	for i, existing := range g.adjacency[edge.Source] {
		if existing.Target == edge.Target && existing.Relationship == edge.Relationship {
			if edge.Confidence > existing.Confidence {
				g.adjacency[edge.Source][i] = edge
				g.setReverseLocked(edge)
			}
			return
		}
	}
	g.adjacency[edge.Source] = append(g.adjacency[edge.Source], edge)
	g.setReverseLocked(edge)
}

func (g *Graph) setReverseLocked(edge Edge) {
	for i, existing := range g.reverse[edge.Target] {
		if existing.Source == edge.Source && existing.Relationship == edge.Relationship {
			g.reverse[edge.Target][i] = edge
			return
		}
	}
	g.reverse[edge.Target] = append(g.reverse[edge.Target], edge)
}

func (g *Graph) markDegraded(err error, msg string) {
	g.mu.Lock()
	g.markDegradedLocked(err, msg)
	g.mu.Unlock()
}

func (g *Graph) markDegradedLocked(err error, msg string) {
	if !g.degraded {
		g.logger.WithError(err).Warn("catalog unreachable, graph degraded to in-memory operation")
	}
	g.degraded = true
	g.logger.WithError(err).Debugf("degraded: %s", msg)
}

func (g *Graph) notify(ids ...string) {
	for _, fn := range g.onMutate {
		fn(ids...)
	}
}

func recordToEdge(rec *catalog.EdgeRecord) Edge {
	return Edge{
		Source:       rec.Source,
		Target:       rec.Target,
		Relationship: rec.Relationship,
		Confidence:   rec.Confidence,
		Method:       Method(rec.Method),
		CreatedAt:    rec.CreatedAt,
	}
}
