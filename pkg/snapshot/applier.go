package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/heal"
)

// Applier heals file-backed actual state by editing the snapshot file in
// place. It is the deployment executor for setups where observed state
// lives in a file rather than behind a provider API.
type Applier struct {
	path string
}

// NewApplier creates an executor writing corrections to the snapshot at
// path.
func NewApplier(path string) *Applier {
	return &Applier{path: path}
}

// Execute applies one corrective action to the snapshot file. The file is
// rewritten atomically via a temp file and rename.
func (a *Applier) Execute(_ context.Context, action heal.Action) error {
	snap, err := Load(a.path)
	if err != nil {
		return err
	}

	state, ok := snap.Resources[action.ResourceID]
	if !ok {
		return errdefs.NewPermanent(
			fmt.Sprintf("resource %s not present in snapshot", action.ResourceID), nil,
		).WithCode(errdefs.CodeNotFound).WithResource(action.ResourceID)
	}

	item := action.Item
	switch item.Kind {
	case drift.KindConfiguration:
		if state.Config == nil {
			state.Config = map[string]string{}
		}
		state.Config[item.Field] = item.Desired
	case drift.KindTag:
		if item.Desired == "" {
			delete(state.Tags, item.Field)
		} else {
			if state.Tags == nil {
				state.Tags = map[string]string{}
			}
			state.Tags[item.Field] = item.Desired
		}
	default:
		return errdefs.NewPermanent(
			fmt.Sprintf("drift kind %s cannot be applied to a snapshot file", item.Kind), nil,
		).WithResource(action.ResourceID).WithOperation("apply_action")
	}

	snap.Resources[action.ResourceID] = state
	return a.write(snap)
}

func (a *Applier) write(snap *drift.Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(a.path), ".driftline-apply.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errdefs.NewTransient("failed to write snapshot file", err).
			WithOperation("apply_action")
	}
	if err := os.Rename(tmp, a.path); err != nil {
		_ = os.Remove(tmp)
		return errdefs.NewTransient("failed to replace snapshot file", err).
			WithOperation("apply_action")
	}
	return nil
}
