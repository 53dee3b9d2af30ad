package engine

import (
	"context"
	"errors"

	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
)

// Command mutates one execution aggregate inside an optimistic transaction
type Command = timebox.Command[*api.ExecutionState]

// ErrConcurrencyConflict is returned when an optimistic write loses; the
// caller must reload and retry the operation
var ErrConcurrencyConflict = errors.New("concurrent modification detected")

// GetExecution retrieves the current state of an execution
func (e *Engine) GetExecution(
	ctx context.Context, execID api.ExecutionID,
) (*api.ExecutionState, error) {
	st, err := e.execExecution(ctx, execID,
		func(_ *api.ExecutionState, _ *ExecutionAggregator) error {
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	if st.ID == "" {
		return nil, ErrExecutionNotFound
	}
	return st, nil
}

// ListExecutionEvents returns an execution's event log in insertion order
func (e *Engine) ListExecutionEvents(
	ctx context.Context, execID api.ExecutionID,
) ([]*timebox.Event, error) {
	if _, err := e.GetExecution(ctx, execID); err != nil {
		return nil, err
	}
	return e.execExec.GetStore().GetEvents(
		ctx, events.ExecutionKey(execID), 0,
	)
}

// GetRegistry retrieves the current registry state
func (e *Engine) GetRegistry(ctx context.Context) (*api.RegistryState, error) {
	return e.registryExec.Exec(ctx, events.RegistryKey,
		func(_ *api.RegistryState, _ *RegistryAggregator) error {
			return nil
		},
	)
}

func (e *Engine) execExecution(
	ctx context.Context, execID api.ExecutionID, cmd Command,
) (*api.ExecutionState, error) {
	st, err := e.execExec.Exec(ctx, events.ExecutionKey(execID), cmd)
	if err != nil {
		return nil, mapConflict(err)
	}
	return st, nil
}

// raiseExecutionEvent appends one event to a live execution. The terminal
// guard keeps late handler results from mutating settled executions.
func (e *Engine) raiseExecutionEvent(
	ctx context.Context, execID api.ExecutionID, eventType api.EventType,
	data any,
) error {
	_, err := e.execExecution(ctx, execID,
		func(st *api.ExecutionState, ag *ExecutionAggregator) error {
			if st.Status.IsTerminal() {
				return ErrInvalidExecutionState
			}
			return events.Raise(ag, eventType, data)
		},
	)
	return err
}

func mapConflict(err error) error {
	conflict := new(timebox.VersionConflictError)
	if errors.As(err, &conflict) {
		return errors.Join(ErrConcurrencyConflict, err)
	}
	return err
}
