package api

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type (
	// DefinitionStatus is the lifecycle state of a process definition
	DefinitionStatus string

	// ProcessDefinition is the versioned DAG template describing steps and
	// their dependencies. Only published definitions may be executed; edits
	// after publication require a new version.
	ProcessDefinition struct {
		CreatedAt   time.Time         `json:"created_at"`
		UpdatedAt   time.Time         `json:"updated_at"`
		Triggers    *TriggerConfig    `json:"triggers,omitempty"`
		ID          ProcessID         `json:"id"`
		Name        string            `json:"name" validate:"required"`
		Description string            `json:"description,omitempty"`
		CreatedBy   string            `json:"created_by,omitempty"`
		Status      DefinitionStatus  `json:"status"`
		Steps       []*StepDefinition `json:"steps" validate:"required,min=1,dive,required"`
		Version     int64             `json:"version"`
	}

	// TriggerConfig holds optional schedule/webhook trigger settings. The
	// trigger-firing services live outside the engine and call
	// StartExecution through the submission interface.
	TriggerConfig struct {
		Schedule string `json:"schedule,omitempty"`
		Webhook  bool   `json:"webhook,omitempty"`
	}
)

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionPublished DefinitionStatus = "published"
	DefinitionArchived  DefinitionStatus = "archived"
)

var (
	ErrStepDuplicated      = errors.New("duplicate step ID")
	ErrDefinitionNoSteps   = errors.New("definition has no steps")
	ErrDefinitionNameEmpty = errors.New("definition name empty")
)

// Step returns the step definition with the given ID, or nil
func (d *ProcessDefinition) Step(id StepID) *StepDefinition {
	for _, s := range d.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepIDs returns the step identifiers in definition order
func (d *ProcessDefinition) StepIDs() []StepID {
	ids := make([]StepID, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Validate checks per-step structural correctness and step ID uniqueness.
// Cross-step graph validation (dangling references, cycles) is performed by
// the dependency resolver before publish.
func (d *ProcessDefinition) Validate() error {
	if d.Name == "" {
		return ErrDefinitionNameEmpty
	}
	if len(d.Steps) == 0 {
		return ErrDefinitionNoSteps
	}

	seen := map[StepID]bool{}
	for _, s := range d.Steps {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s", ErrStepDuplicated, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Equal reports whether two definitions carry the same content. Identity,
// version, lifecycle status and timestamps are not compared.
func (d *ProcessDefinition) Equal(other *ProcessDefinition) bool {
	if d.Name != other.Name || d.Description != other.Description {
		return false
	}
	if !d.Triggers.Equal(other.Triggers) {
		return false
	}
	return slices.EqualFunc(d.Steps, other.Steps,
		func(l, r *StepDefinition) bool { return l.Equal(r) },
	)
}

func (c *TriggerConfig) Equal(other *TriggerConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}

// IsExecutable reports whether executions may be started from this
// definition
func (d *ProcessDefinition) IsExecutable() bool {
	return d.Status == DefinitionPublished
}
