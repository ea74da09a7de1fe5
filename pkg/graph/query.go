package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/telemetry"
)

const (
	// DefaultMaxDepth bounds impact traversal when the caller does not
	// specify one.
	DefaultMaxDepth = 5
	// HighRiskThreshold is the cascade risk score at and above which a
	// change is flagged high-risk.
	HighRiskThreshold = 70
)

// QueryAPI is the read-oriented facade over the graph: impact analysis,
// dependency chains, healing order, and edge explanation, with a bounded
// invalidate-on-write cache in front of impact analysis.
type QueryAPI struct {
	graph  *Graph
	cache  *queryCache
	logger *telemetry.Logger
}

// NewQueryAPI creates the query facade. A cacheTTL of zero takes the
// default. The cache registers for mutation callbacks so graph writes
// invalidate only the entries they affect.
func NewQueryAPI(g *Graph, cacheTTL time.Duration, logger *telemetry.Logger, metrics *telemetry.Metrics) *QueryAPI {
	if logger == nil {
		logger = telemetry.Default()
	}
	q := &QueryAPI{
		graph:  g,
		cache:  newQueryCache(cacheTTL, metrics),
		logger: logger.NewComponentLogger("query"),
	}
	g.OnMutate(q.cache.invalidate)
	return q
}

// ImpactAnalysis traverses dependents breadth-first up to maxDepth hops
// and scores the cascade risk of changing the resource. maxDepth of zero
// or less takes the default of 5.
func (q *QueryAPI) ImpactAnalysis(ctx context.Context, id string, maxDepth int) (*ImpactAnalysis, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	key := cacheKey{id: id, depth: maxDepth}
	if cached, ok := q.cache.get(key); ok {
		return cached, nil
	}

	type queued struct {
		id    string
		depth int
	}

	visited := map[string]bool{id: true}
	touched := []string{id}
	direct := []string{}
	indirect := []string{}
	types := map[string]bool{}

	queue := []queued{{id: id, depth: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		dependents, err := q.graph.Dependents(ctx, cur.id)
		if err != nil {
			return nil, err
		}

		for _, edge := range dependents {
			if visited[edge.Source] {
				continue
			}
			visited[edge.Source] = true
			touched = append(touched, edge.Source)

			if cur.depth == 0 {
				direct = append(direct, edge.Source)
			} else {
				indirect = append(indirect, edge.Source)
			}
			if info, ok := q.graph.Resource(edge.Source); ok && info.Type != "" {
				types[info.Type] = true
			}

			queue = append(queue, queued{id: edge.Source, depth: cur.depth + 1})
		}
	}

	sort.Strings(direct)
	sort.Strings(indirect)
	affectedTypes := make([]string, 0, len(types))
	for t := range types {
		affectedTypes = append(affectedTypes, t)
	}
	sort.Strings(affectedTypes)

	risk := 3*len(direct) + len(indirect) + 10*len(affectedTypes)
	if risk > 100 {
		risk = 100
	}

	analysis := &ImpactAnalysis{
		ResourceID:    id,
		MaxDepth:      maxDepth,
		Direct:        direct,
		Indirect:      indirect,
		AffectedTypes: affectedTypes,
		CascadeRisk:   risk,
		HighRisk:      risk >= HighRiskThreshold,
	}
	if analysis.HighRisk {
		analysis.Recommendation = "schedule this change in a maintenance window"
	}

	q.cache.put(key, analysis, touched)
	return analysis, nil
}

// DependencyChains returns every dependency path from the resource to a
// leaf, each chain starting with the resource itself.
func (q *QueryAPI) DependencyChains(ctx context.Context, id string) ([][]string, error) {
	chains := [][]string{}

	var walk func(cur string, path []string) error
	walk = func(cur string, path []string) error {
		deps, err := q.graph.Dependencies(ctx, cur)
		if err != nil {
			return err
		}

		if len(deps) == 0 {
			chain := make([]string, len(path))
			copy(chain, path)
			chains = append(chains, chain)
			return nil
		}

		for _, edge := range deps {
			if err := walk(edge.Target, append(path, edge.Target)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(id, []string{id}); err != nil {
		return nil, err
	}
	return chains, nil
}

// HealingOrder returns a dependency-respecting correction order for the
// given resources.
func (q *QueryAPI) HealingOrder(ctx context.Context, ids []string, severity map[string]drift.Severity) ([]string, error) {
	return q.graph.HealingOrder(ctx, ids, severity)
}

// ExplainEdge returns the detection method, confidence, and a
// human-readable justification for an edge, so inferred edges can be
// audited and disputed.
func (q *QueryAPI) ExplainEdge(ctx context.Context, source, target string) (*EdgeExplanation, error) {
	deps, err := q.graph.Dependencies(ctx, source)
	if err != nil {
		return nil, err
	}

	for _, edge := range deps {
		if edge.Target != target {
			continue
		}
		return &EdgeExplanation{
			Source:        edge.Source,
			Target:        edge.Target,
			Relationship:  edge.Relationship,
			Method:        edge.Method,
			Confidence:    edge.Confidence,
			Justification: justify(edge),
		}, nil
	}

	return nil, errdefs.NewPermanent(fmt.Sprintf("no edge from %s to %s", source, target), nil).
		WithCode(errdefs.CodeNotFound)
}

func justify(edge Edge) string {
	switch edge.Method {
	case MethodExplicit:
		return fmt.Sprintf("%s declares an explicit %s reference to %s", edge.Source, edge.Relationship, edge.Target)
	case MethodOutputReference:
		return fmt.Sprintf("a structured output of %s resolves to %s (confidence %.2f)", edge.Source, edge.Target, edge.Confidence)
	case MethodMetadataReference:
		return fmt.Sprintf("a metadata field of %s follows a reference convention pointing at %s (confidence %.2f)", edge.Source, edge.Target, edge.Confidence)
	case MethodHeuristicPattern:
		return fmt.Sprintf("identifier and type patterns of %s and %s match a %s heuristic rule (confidence %.2f)", edge.Source, edge.Target, edge.Relationship, edge.Confidence)
	default:
		return fmt.Sprintf("edge recorded with method %s at confidence %.2f", edge.Method, edge.Confidence)
	}
}
