package graph

import "time"

// Method tags how a dependency edge was detected, in decreasing order of
// trust.
type Method string

const (
	// MethodExplicit is a reference declared directly on the resource.
	MethodExplicit Method = "explicit"
	// MethodOutputReference is a structured output field recognized as a
	// reference to another resource.
	MethodOutputReference Method = "output_reference"
	// MethodMetadataReference is a metadata field whose name or value
	// matches a known reference convention.
	MethodMetadataReference Method = "metadata_reference"
	// MethodHeuristicPattern is an identifier-pattern match from the
	// heuristic rule table, the lowest trust tier.
	MethodHeuristicPattern Method = "heuristic_pattern"
)

// Edge is a directed dependency relationship: Source depends on Target.
type Edge struct {
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	Relationship string    `json:"relationship"`
	Confidence   float64   `json:"confidence"`
	Method       Method    `json:"method"`
	CreatedAt    time.Time `json:"created_at"`
}

// Reference is an explicit dependency declared on a resource.
type Reference struct {
	Target       string `json:"target"`
	Relationship string `json:"relationship"`
}

// ResourceInfo is the registration payload for a resource: identity plus
// the metadata and structured outputs edges are inferred from.
type ResourceInfo struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Phase      string            `json:"phase,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	References []Reference       `json:"references,omitempty"`
}

// ImpactAnalysis is the result of a dependent traversal from one resource.
type ImpactAnalysis struct {
	ResourceID    string   `json:"resource_id"`
	MaxDepth      int      `json:"max_depth"`
	Direct        []string `json:"direct"`
	Indirect      []string `json:"indirect"`
	AffectedTypes []string `json:"affected_types"`
	// CascadeRisk is 3 per direct dependent, 1 per indirect dependent,
	// and 10 per distinct affected type, capped at 100.
	CascadeRisk    int    `json:"cascade_risk"`
	HighRisk       bool   `json:"high_risk"`
	Recommendation string `json:"recommendation,omitempty"`
}

// EdgeExplanation justifies an automatically inferred edge so it can be
// audited and disputed.
type EdgeExplanation struct {
	Source        string  `json:"source"`
	Target        string  `json:"target"`
	Relationship  string  `json:"relationship"`
	Method        Method  `json:"method"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}
