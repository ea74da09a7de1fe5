package heal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/graph"
	"github.com/driftline/driftline/pkg/telemetry"
)

// ReverseSync turns unhealable drift into change proposals that update
// the desired-state representation to match reality. Proposals are
// grouped by dependency chain so the number of review units tracks the
// number of independent changes, not the number of affected resources.
type ReverseSync struct {
	project string
	query   *graph.QueryAPI
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewReverseSync creates a reverse-sync proposer over the query facade.
func NewReverseSync(project string, query *graph.QueryAPI, logger *telemetry.Logger, metrics *telemetry.Metrics) *ReverseSync {
	if logger == nil {
		logger = telemetry.Default()
	}
	return &ReverseSync{
		project: project,
		query:   query,
		logger:  logger.NewComponentLogger("reverse_sync").WithProject(project),
		metrics: metrics,
	}
}

// ProposeUpdates clusters the unhealable items into change proposals.
// Resources whose dependency chains overlap land in one proposal.
func (r *ReverseSync) ProposeUpdates(ctx context.Context, cycleID string, items []drift.Item) ([]ChangeProposal, error) {
	if len(items) == 0 {
		return []ChangeProposal{}, nil
	}

	byResource := map[string][]drift.Item{}
	for _, item := range items {
		byResource[item.ResourceID] = append(byResource[item.ResourceID], item)
	}

	ids := make([]string, 0, len(byResource))
	for id := range byResource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// chainMembers[id] is every resource reachable from id along
	// dependency edges, including id itself.
	chainMembers := map[string]map[string]bool{}
	for _, id := range ids {
		chains, err := r.query.DependencyChains(ctx, id)
		if err != nil {
			return nil, err
		}
		members := map[string]bool{id: true}
		for _, chain := range chains {
			for _, member := range chain {
				members[member] = true
			}
		}
		chainMembers[id] = members
	}

	groups := clusterByChain(ids, chainMembers)

	proposals := make([]ChangeProposal, 0, len(groups))
	for _, group := range groups {
		proposal, err := r.buildProposal(ctx, cycleID, group, byResource)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *proposal)
		if r.metrics != nil {
			r.metrics.RecordProposal(proposal.ReviewWindow)
		}
	}

	return proposals, nil
}

// clusterByChain unions affected resources whose dependency chains share
// a member.
func clusterByChain(ids []string, chainMembers map[string]map[string]bool) [][]string {
	parent := map[string]string{}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		parent[find(a)] = find(b)
	}

	for _, id := range ids {
		parent[id] = id
	}
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			if overlaps(chainMembers[a], chainMembers[b]) {
				union(a, b)
			}
		}
	}

	grouped := map[string][]string{}
	for _, id := range ids {
		root := find(id)
		grouped[root] = append(grouped[root], id)
	}

	groups := make([][]string, 0, len(grouped))
	for _, group := range grouped {
		sort.Strings(group)
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

func overlaps(a, b map[string]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for member := range a {
		if b[member] {
			return true
		}
	}
	return false
}

// buildProposal assembles one review unit from a cluster of affected
// resources.
func (r *ReverseSync) buildProposal(ctx context.Context, cycleID string, group []string, byResource map[string][]drift.Item) (*ChangeProposal, error) {
	proposal := &ChangeProposal{
		ID:        uuid.New().String(),
		Project:   r.project,
		CycleID:   cycleID,
		Resources: group,
		Items:     []drift.Item{},
		CreatedAt: time.Now().UTC(),
	}

	maxRisk := 0
	for _, id := range group {
		proposal.Items = append(proposal.Items, byResource[id]...)

		analysis, err := r.query.ImpactAnalysis(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		if analysis.CascadeRisk > maxRisk {
			maxRisk = analysis.CascadeRisk
		}
	}

	proposal.Severity = drift.MaxSeverity(proposal.Items)
	proposal.CascadeRisk = maxRisk
	proposal.ReviewWindow = reviewWindowFor(maxRisk)
	proposal.Rationale = fmt.Sprintf(
		"%d drift item(s) across %d resource(s) in one dependency chain cannot be corrected automatically; max severity %s, cascade risk %d",
		len(proposal.Items), len(group), proposal.Severity, maxRisk,
	)

	return proposal, nil
}

// reviewWindowFor derives the recommended review window from cascade
// risk.
func reviewWindowFor(risk int) string {
	switch {
	case risk >= graph.HighRiskThreshold:
		return ReviewWindowMaintenance
	case risk >= 40:
		return ReviewWindowNextDay
	default:
		return ReviewWindowStandard
	}
}
