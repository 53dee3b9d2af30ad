package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/gantryio/gantry/internal/graph"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
	"github.com/gantryio/gantry/pkg/log"
)

var (
	ErrDefinitionNotDraft  = errors.New("definition is not a draft")
	ErrDefinitionRetired   = errors.New("definition already archived")
	ErrDefinitionPublished = errors.New("definition already published")

	validate = validator.New()
)

// SaveDefinition validates and stores a process definition as a new draft
// version. An empty process ID creates a new process; the returned
// definition carries the assigned ID and version. Re-saving a draft whose
// content matches the latest version returns that version unchanged.
func (e *Engine) SaveDefinition(
	ctx context.Context, def *api.ProcessDefinition,
) (*api.ProcessDefinition, error) {
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrProcessValidation, err)
	}
	if err := graph.Validate(def); err != nil {
		return nil, err
	}

	saved := *def
	saved.Status = api.DefinitionDraft
	if saved.ID == "" {
		saved.ID = api.NewProcessID()
	}

	var existing *api.ProcessDefinition
	_, err := e.registryExec.Exec(ctx, events.RegistryKey,
		func(st *api.RegistryState, ag *RegistryAggregator) error {
			existing = nil
			if cur := st.LatestDefinition(saved.ID); cur != nil &&
				cur.Status == api.DefinitionDraft && cur.Equal(&saved) {
				existing = cur
				return nil
			}
			saved.Version = st.Latest[saved.ID] + 1
			return events.Raise(ag, api.EventTypeDefinitionSaved,
				api.DefinitionSavedEvent{Definition: &saved})
		},
	)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	slog.Info("Definition saved",
		log.ProcessID(saved.ID),
		slog.Int64("version", saved.Version))
	return &saved, nil
}

// PublishDefinition freezes a draft version for execution. Version zero
// selects the latest version of the process.
func (e *Engine) PublishDefinition(
	ctx context.Context, processID api.ProcessID, version int64,
) error {
	return e.setDefinitionStatus(ctx, processID, version,
		api.EventTypeDefinitionPublished)
}

// ArchiveDefinition retires a version from execution. Executions already
// running on the version are unaffected.
func (e *Engine) ArchiveDefinition(
	ctx context.Context, processID api.ProcessID, version int64,
) error {
	return e.setDefinitionStatus(ctx, processID, version,
		api.EventTypeDefinitionArchived)
}

func (e *Engine) setDefinitionStatus(
	ctx context.Context, processID api.ProcessID, version int64,
	eventType api.EventType,
) error {
	_, err := e.registryExec.Exec(ctx, events.RegistryKey,
		func(st *api.RegistryState, ag *RegistryAggregator) error {
			var def *api.ProcessDefinition
			if version == 0 {
				def = st.LatestDefinition(processID)
			} else {
				def = st.Definition(processID, version)
			}
			if def == nil {
				return fmt.Errorf("%w: %s@%d", ErrDefinitionNotFound,
					processID, version)
			}
			if err := checkStatusChange(def, eventType); err != nil {
				return err
			}

			var data any
			switch eventType {
			case api.EventTypeDefinitionPublished:
				data = api.DefinitionPublishedEvent{
					ProcessID: processID,
					Version:   def.Version,
				}
			default:
				data = api.DefinitionArchivedEvent{
					ProcessID: processID,
					Version:   def.Version,
				}
			}
			return events.Raise(ag, eventType, data)
		},
	)
	return err
}

func checkStatusChange(
	def *api.ProcessDefinition, eventType api.EventType,
) error {
	switch eventType {
	case api.EventTypeDefinitionPublished:
		if def.Status == api.DefinitionPublished {
			return ErrDefinitionPublished
		}
		if def.Status != api.DefinitionDraft {
			return ErrDefinitionNotDraft
		}
	case api.EventTypeDefinitionArchived:
		if def.Status == api.DefinitionArchived {
			return ErrDefinitionRetired
		}
	}
	return nil
}

// GetDefinition returns a stored definition version. Version zero selects
// the latest version of the process.
func (e *Engine) GetDefinition(
	ctx context.Context, processID api.ProcessID, version int64,
) (*api.ProcessDefinition, error) {
	reg, err := e.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}

	var def *api.ProcessDefinition
	if version == 0 {
		def = reg.LatestDefinition(processID)
	} else {
		def = reg.Definition(processID, version)
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s@%d", ErrDefinitionNotFound,
			processID, version)
	}
	return def, nil
}

// ListDefinitions returns the latest version of every stored process,
// sorted by name
func (e *Engine) ListDefinitions(
	ctx context.Context,
) ([]*api.ProcessDefinition, error) {
	reg, err := e.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]*api.ProcessDefinition, 0, len(reg.Latest))
	for id := range reg.Latest {
		if def := reg.LatestDefinition(id); def != nil {
			res = append(res, def)
		}
	}
	slices.SortFunc(res, func(l, r *api.ProcessDefinition) int {
		return cmp.Compare(l.Name, r.Name)
	})
	return res, nil
}
