package graph

import (
	"context"
	"strings"

	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/telemetry"
)

// DefaultMinConfidence is the threshold below which inferred edges are
// discarded rather than stored.
const DefaultMinConfidence = 0.5

// heuristicRule is one row of the identifier-pattern rule table: when a
// resource of a type matching SourcePattern coexists with one matching
// TargetPattern and their identifiers share a name stem, an edge is
// inferred at the given confidence.
type heuristicRule struct {
	SourcePattern string
	TargetPattern string
	Relationship  string
	Confidence    float64
}

// heuristicRules is the fixed inference table, evaluated by a single
// generic matcher. Confidences sit in the lowest trust tier.
var heuristicRules = []heuristicRule{
	{"instance", "network", "runs_in", 0.75},
	{"instance", "subnet", "placed_in", 0.75},
	{"database", "subnet", "placed_in", 0.75},
	{"database", "security_group", "guarded_by", 0.7},
	{"function", "queue", "consumes", 0.7},
	{"function", "bucket", "reads_from", 0.7},
	{"service", "database", "uses", 0.7},
	{"service", "cache", "uses", 0.7},
	{"load_balancer", "instance", "routes_to", 0.7},
}

// referenceKeySuffixes mark metadata keys that conventionally hold a
// reference to another resource.
var referenceKeySuffixes = []string{"_id", "_ref", "_arn", "_name", "_target"}

// Populator infers dependency edges from resource metadata and structured
// outputs and writes them into the graph with a confidence score.
type Populator struct {
	graph         *Graph
	minConfidence float64
	logger        *telemetry.Logger
	metrics       *telemetry.Metrics
}

// NewPopulator creates a populator over the given graph. minConfidence
// of zero takes the default threshold.
func NewPopulator(g *Graph, minConfidence float64, logger *telemetry.Logger, metrics *telemetry.Metrics) *Populator {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if logger == nil {
		logger = telemetry.Default()
	}
	return &Populator{
		graph:         g,
		minConfidence: minConfidence,
		logger:        logger.NewComponentLogger("populator"),
		metrics:       metrics,
	}
}

// candidateEdge is an inferred edge before thresholding.
type candidateEdge struct {
	Target       string
	Relationship string
	Confidence   float64
	Method       Method
}

// RegisterResource registers a resource and infers zero or more edges
// from it. Returns the number of edges accepted into the graph. A cycle
// rejection on one inferred edge does not abort the rest.
func (p *Populator) RegisterResource(ctx context.Context, info ResourceInfo) (int, error) {
	if info.ID == "" {
		return 0, errdefs.NewPermanent("resource has empty ID", nil).
			WithCode(errdefs.CodeValidation)
	}

	if err := p.graph.AddResource(ctx, info); err != nil {
		return 0, err
	}

	candidates := p.infer(info)

	added := 0
	for _, c := range candidates {
		if c.Confidence < p.minConfidence {
			// Discarded silently; debug level only.
			p.logger.WithResourceID(info.ID).
				WithField("target", c.Target).
				WithField("confidence", c.Confidence).
				Debug("inferred edge below confidence threshold, discarded")
			if p.metrics != nil {
				p.metrics.RecordEdgeRejected("low_confidence")
			}
			continue
		}

		err := p.graph.AddEdge(ctx, info.ID, c.Target, c.Relationship, c.Confidence, c.Method)
		if err != nil {
			if errdefs.HasCode(err, errdefs.CodeCycleDetected) {
				// Already logged and counted by the graph.
				continue
			}
			return added, err
		}
		added++
		if p.metrics != nil {
			p.metrics.RecordEdgeInferred(string(c.Method))
		}
	}

	return added, nil
}

// infer collects candidate edges from all four trust tiers.
func (p *Populator) infer(info ResourceInfo) []candidateEdge {
	candidates := []candidateEdge{}
	seen := map[string]bool{}

	add := func(c candidateEdge) {
		if c.Target == "" || c.Target == info.ID {
			return
		}
		key := c.Target + "|" + c.Relationship
		if seen[key] {
			return
		}
		seen[key] = true
		candidates = append(candidates, c)
	}

	// Tier 1: explicit references declared on the resource.
	for _, ref := range info.References {
		rel := ref.Relationship
		if rel == "" {
			rel = "depends_on"
		}
		add(candidateEdge{
			Target:       ref.Target,
			Relationship: rel,
			Confidence:   1.0,
			Method:       MethodExplicit,
		})
	}

	// Tier 2: structured output fields that resolve to known resources.
	for key, value := range info.Outputs {
		if p.graph.HasResource(value) {
			add(candidateEdge{
				Target:       value,
				Relationship: relationshipFromKey(key),
				Confidence:   0.9,
				Method:       MethodOutputReference,
			})
		}
	}

	// Tier 3: metadata fields matching a reference naming convention.
	for key, value := range info.Metadata {
		if !referenceKey(key) {
			continue
		}
		if p.graph.HasResource(value) {
			add(candidateEdge{
				Target:       value,
				Relationship: relationshipFromKey(key),
				Confidence:   0.85,
				Method:       MethodMetadataReference,
			})
		}
	}

	// Tier 4: identifier-pattern heuristics over the rule table.
	for _, rule := range heuristicRules {
		if !strings.Contains(strings.ToLower(info.Type), rule.SourcePattern) {
			continue
		}
		for _, targetID := range p.graph.ResourceIDs() {
			target, ok := p.graph.Resource(targetID)
			if !ok || targetID == info.ID {
				continue
			}
			if !strings.Contains(strings.ToLower(target.Type), rule.TargetPattern) {
				continue
			}
			if !sharesNameStem(info.ID, targetID) {
				continue
			}
			add(candidateEdge{
				Target:       targetID,
				Relationship: rule.Relationship,
				Confidence:   rule.Confidence,
				Method:       MethodHeuristicPattern,
			})
		}
	}

	return candidates
}

// referenceKey reports whether a metadata key follows a reference naming
// convention.
func referenceKey(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "depends_on") {
		return true
	}
	for _, suffix := range referenceKeySuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// relationshipFromKey derives a relationship tag from a reference key,
// e.g. "database_id" becomes "uses_database".
func relationshipFromKey(key string) string {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "depends_on") {
		return "depends_on"
	}
	for _, suffix := range referenceKeySuffixes {
		lower = strings.TrimSuffix(lower, suffix)
	}
	if lower == "" {
		return "depends_on"
	}
	return "uses_" + lower
}

// sharesNameStem reports whether two hyphen-delimited identifiers share a
// token, the signal the heuristic tier keys on.
func sharesNameStem(a, b string) bool {
	tokensA := strings.FieldsFunc(strings.ToLower(a), isSeparator)
	tokensB := map[string]bool{}
	for _, t := range strings.FieldsFunc(strings.ToLower(b), isSeparator) {
		if len(t) >= 3 {
			tokensB[t] = true
		}
	}
	for _, t := range tokensA {
		if len(t) >= 3 && tokensB[t] {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	return r == '-' || r == '_' || r == '.'
}
