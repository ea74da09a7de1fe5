package engine

import (
	"context"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/heal"
)

// DesiredStateProvider supplies the declared configuration snapshot for a
// project. Typically backed by parsed infrastructure specifications.
type DesiredStateProvider interface {
	DesiredState(ctx context.Context, project string) (*drift.Snapshot, error)
}

// ActualStateProvider supplies a snapshot of what currently exists in the
// remote environment.
type ActualStateProvider interface {
	ActualState(ctx context.Context, project string) (*drift.Snapshot, error)
}

// DeploymentExecutor applies a single corrective action and reports its
// outcome. The engine treats it as an opaque effectful boundary; an
// action is atomic from the engine's point of view.
type DeploymentExecutor interface {
	Execute(ctx context.Context, action heal.Action) error
}

// ProposalSink receives reverse-sync change proposals, e.g. a
// version-control PR system. The engine produces payloads only; approval
// workflow lives behind the sink.
type ProposalSink interface {
	Submit(ctx context.Context, proposal heal.ChangeProposal) error
}

// NotificationSink receives breaker transitions and high or critical
// drift detections.
type NotificationSink interface {
	NotifyDrift(ctx context.Context, project string, item drift.Item) error
}
