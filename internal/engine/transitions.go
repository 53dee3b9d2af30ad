package engine

import (
	"github.com/gantryio/gantry/internal/util"
	"github.com/gantryio/gantry/pkg/api"
)

// StateTransitions maps states to their set of valid next states
//
// Generic state transition tables validate execution and step status
// changes before events are raised
type StateTransitions[T comparable] map[T]util.Set[T]

var (
	executionTransitions = StateTransitions[api.ExecutionStatus]{
		api.ExecutionCreated: util.SetOf(
			api.ExecutionRunning,
			api.ExecutionCancelled,
		),
		api.ExecutionRunning: util.SetOf(
			api.ExecutionCompleted,
			api.ExecutionFailed,
			api.ExecutionCancelled,
		),
		api.ExecutionCompleted: {},
		api.ExecutionFailed:    {},
		api.ExecutionCancelled: {},
	}

	stepTransitions = StateTransitions[api.StepStatus]{
		api.StepPending: util.SetOf(
			api.StepRunning,
			api.StepSkipped,
			api.StepFailed,
		),
		api.StepRunning: util.SetOf(
			api.StepCompleted,
			api.StepFailed,
			api.StepWaiting,
			api.StepSkipped,

			// retry returns an attempt to pending
			api.StepPending,
		),
		api.StepWaiting: util.SetOf(
			api.StepRunning,
			api.StepFailed,
			api.StepSkipped,
		),
		api.StepCompleted: util.SetOf(
			api.StepCompensated,
		),
		api.StepFailed:      {},
		api.StepSkipped:     {},
		api.StepCompensated: {},
	}
)

// CanTransition returns whether transition from one state to another is
// valid
func (t StateTransitions[T]) CanTransition(from, to T) bool {
	allowed, ok := t[from]
	if !ok {
		return false
	}
	return allowed.Contains(to)
}

// IsTerminal returns true if the state has no valid transitions
func (t StateTransitions[T]) IsTerminal(state T) bool {
	allowed, ok := t[state]
	return ok && allowed.IsEmpty()
}
