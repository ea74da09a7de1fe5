package heal

import (
	"context"
	"testing"
	"time"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/graph"
)

func newTestReverseSync(t *testing.T) (*ReverseSync, *graph.Graph) {
	t.Helper()
	g := graph.NewGraph("test", nil, nil, nil)
	q := graph.NewQueryAPI(g, time.Minute, nil, nil)
	return NewReverseSync("test", q, nil, nil), g
}

// TestProposeGroupsByDependencyChain tests the A/B scenario: missing A
// and configuration-drifted B (which depends on A) land in one proposal
func TestProposeGroupsByDependencyChain(t *testing.T) {
	r, g := newTestReverseSync(t)
	ctx := context.Background()

	addResource(t, g, "a")
	addResource(t, g, "b")
	addEdge(t, g, "b", "a")

	items := []drift.Item{
		{ResourceID: "a", Kind: drift.KindMissing, Severity: drift.SeverityHigh},
		{ResourceID: "b", Kind: drift.KindConfiguration, Severity: drift.SeverityHigh, Field: "ingress_cidr"},
	}

	proposals, err := r.ProposeUpdates(ctx, "cycle-001", items)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	if len(proposals) != 1 {
		t.Fatalf("expected a single grouped proposal, got %d", len(proposals))
	}

	p := proposals[0]
	if len(p.Resources) != 2 {
		t.Errorf("expected both resources in the proposal, got %v", p.Resources)
	}
	if len(p.Items) != 2 {
		t.Errorf("expected both drift items carried, got %d", len(p.Items))
	}
	if p.Severity != drift.SeverityHigh {
		t.Errorf("expected severity of most severe member, got %s", p.Severity)
	}
	if p.ID == "" || p.Rationale == "" {
		t.Error("proposal must carry an id and rationale")
	}
}

// TestProposeSeparatesIndependentChains tests that unrelated resources
// produce separate proposals
func TestProposeSeparatesIndependentChains(t *testing.T) {
	r, g := newTestReverseSync(t)
	ctx := context.Background()

	addResource(t, g, "a")
	addResource(t, g, "x")

	items := []drift.Item{
		{ResourceID: "a", Kind: drift.KindMissing, Severity: drift.SeverityHigh},
		{ResourceID: "x", Kind: drift.KindExtra, Severity: drift.SeverityMedium},
	}

	proposals, err := r.ProposeUpdates(ctx, "cycle-001", items)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if len(proposals) != 2 {
		t.Fatalf("expected 2 independent proposals, got %d", len(proposals))
	}
	if proposals[0].Resources[0] != "a" || proposals[1].Resources[0] != "x" {
		t.Errorf("expected deterministic proposal order, got %+v", proposals)
	}
}

// TestProposeReviewWindowFromRisk tests review window derivation
func TestProposeReviewWindowFromRisk(t *testing.T) {
	r, g := newTestReverseSync(t)
	ctx := context.Background()

	// Standalone resource: risk 0, standard window
	addResource(t, g, "quiet")
	items := []drift.Item{
		{ResourceID: "quiet", Kind: drift.KindExtra, Severity: drift.SeverityMedium},
	}
	proposals, err := r.ProposeUpdates(ctx, "cycle-001", items)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if proposals[0].ReviewWindow != ReviewWindowStandard {
		t.Errorf("expected standard window at risk 0, got %s", proposals[0].ReviewWindow)
	}

	// Hub with many typed dependents: risk capped at 100, maintenance
	// window
	addResource(t, g, "hub")
	for i := 0; i < 25; i++ {
		id := "svc-" + string(rune('a'+i))
		if err := g.AddResource(ctx, graph.ResourceInfo{ID: id, Type: "type-" + string(rune('a'+i))}); err != nil {
			t.Fatalf("failed to add resource: %v", err)
		}
		addEdge(t, g, id, "hub")
	}

	items = []drift.Item{
		{ResourceID: "hub", Kind: drift.KindMissing, Severity: drift.SeverityHigh},
	}
	proposals, err = r.ProposeUpdates(ctx, "cycle-002", items)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if proposals[0].CascadeRisk < graph.HighRiskThreshold {
		t.Fatalf("expected high cascade risk, got %d", proposals[0].CascadeRisk)
	}
	if proposals[0].ReviewWindow != ReviewWindowMaintenance {
		t.Errorf("expected maintenance window, got %s", proposals[0].ReviewWindow)
	}
}

// TestProposeEmptyItems tests the no-op case
func TestProposeEmptyItems(t *testing.T) {
	r, _ := newTestReverseSync(t)

	proposals, err := r.ProposeUpdates(context.Background(), "cycle-001", nil)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if len(proposals) != 0 {
		t.Errorf("expected no proposals, got %d", len(proposals))
	}
}
