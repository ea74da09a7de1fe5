package snapshot

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/errdefs"
)

// FileProvider serves state snapshots from a YAML file. The same type
// backs both the desired-state and actual-state provider interfaces; an
// instance is bound to one file and one role.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider reading snapshots from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// DesiredState loads the snapshot as declared configuration.
func (p *FileProvider) DesiredState(_ context.Context, project string) (*drift.Snapshot, error) {
	return p.load(project)
}

// ActualState loads the snapshot as observed state.
func (p *FileProvider) ActualState(_ context.Context, project string) (*drift.Snapshot, error) {
	return p.load(project)
}

func (p *FileProvider) load(project string) (*drift.Snapshot, error) {
	snap, err := Load(p.path)
	if err != nil {
		return nil, err
	}
	if snap.Project == "" {
		snap.Project = project
	}
	return snap, nil
}

// Load reads and validates a snapshot file. Resource ids may be given as
// map keys only; the key is copied into the resource.
func Load(path string) (*drift.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.NewTransient(fmt.Sprintf("failed to read snapshot file %s", path), err).
			WithOperation("load_snapshot")
	}

	snap := &drift.Snapshot{}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, errdefs.NewPermanent(fmt.Sprintf("failed to parse snapshot file %s", path), err).
			WithCode(errdefs.CodeValidation)
	}

	if snap.Resources == nil {
		snap.Resources = map[string]drift.ResourceState{}
	}
	for id, state := range snap.Resources {
		if state.ID == "" {
			state.ID = id
			snap.Resources[id] = state
		} else if state.ID != id {
			return nil, errdefs.NewPermanent(
				fmt.Sprintf("snapshot resource key %q disagrees with id %q", id, state.ID), nil,
			).WithCode(errdefs.CodeValidation)
		}
	}

	return snap, nil
}
