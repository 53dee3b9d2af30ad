package helpers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kode4food/caravan/topic"
	"github.com/kode4food/timebox"
	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
)

// EventWaiter waits for events matching a filter. The current state is
// checked first, so waiting for something that already happened returns
// immediately.
type EventWaiter[T any] struct {
	consumer topic.Consumer[*timebox.Event]
	filter   events.EventFilter
	getState func(context.Context) (T, error)
	done     func(T) bool
	desc     string // for error messages
}

// Wait blocks until a matching event and returns the state
func (w *EventWaiter[T]) Wait(
	t *testing.T, ctx context.Context, timeout time.Duration,
) T {
	t.Helper()
	defer w.consumer.Close()

	if state, ok := w.check(ctx); ok {
		return state
	}

	deadline := time.After(timeout)
	for {
		select {
		case event := <-w.consumer.Receive():
			if event != nil && w.filter(event) {
				state, err := w.getState(ctx)
				assert.NoError(t, err)
				return state
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", w.desc)
		case <-ctx.Done():
			t.FailNow()
		}
	}
}

func (w *EventWaiter[T]) check(ctx context.Context) (T, bool) {
	var zero T
	if w.done == nil {
		return zero, false
	}
	state, err := w.getState(ctx)
	if err != nil {
		return zero, false
	}
	return state, w.done(state)
}

// SubscribeToExecutionStatus creates a waiter for execution settlement
func (e *TestEngineEnv) SubscribeToExecutionStatus(
	execID api.ExecutionID,
) *EventWaiter[*api.ExecutionState] {
	return &EventWaiter[*api.ExecutionState]{
		consumer: e.EventHub.NewConsumer(),
		filter: events.AndFilters(
			events.FilterExecution(execID),
			events.FilterTypes(
				api.EventTypeProcessCompleted,
				api.EventTypeProcessFailed,
				api.EventTypeProcessCancelled,
			),
		),
		getState: func(ctx context.Context) (*api.ExecutionState, error) {
			return e.Engine.GetExecution(ctx, execID)
		},
		done: func(st *api.ExecutionState) bool {
			return st != nil && st.Status.IsTerminal()
		},
		desc: string(execID),
	}
}

// SubscribeToStepEvents creates a waiter for the given step event types.
// The done predicate short-circuits when the state already reflects them.
func (e *TestEngineEnv) SubscribeToStepEvents(
	execID api.ExecutionID, stepID api.StepID, done func(*api.StepState) bool,
	eventTypes ...api.EventType,
) *EventWaiter[*api.StepState] {
	return &EventWaiter[*api.StepState]{
		consumer: e.EventHub.NewConsumer(),
		filter: events.AndFilters(
			events.FilterExecution(execID),
			events.FilterTypes(eventTypes...),
			filterStep(stepID),
		),
		getState: func(ctx context.Context) (*api.StepState, error) {
			st, err := e.Engine.GetExecution(ctx, execID)
			if err != nil {
				return nil, err
			}
			return st.Step(stepID), nil
		},
		done: func(ss *api.StepState) bool {
			return ss != nil && done(ss)
		},
		desc: string(stepID),
	}
}

// Convenience methods that subscribe and wait in one call

func (e *TestEngineEnv) WaitForExecutionStatus(
	t *testing.T, ctx context.Context, execID api.ExecutionID,
	timeout time.Duration,
) *api.ExecutionState {
	t.Helper()
	return e.SubscribeToExecutionStatus(execID).Wait(t, ctx, timeout)
}

func (e *TestEngineEnv) WaitForStepSettled(
	t *testing.T, ctx context.Context, execID api.ExecutionID,
	stepID api.StepID, timeout time.Duration,
) *api.StepState {
	t.Helper()
	return e.SubscribeToStepEvents(
		execID, stepID,
		func(ss *api.StepState) bool { return ss.Status.IsTerminal() },
		api.EventTypeStepCompleted,
		api.EventTypeStepFailed,
		api.EventTypeStepSkipped,
	).Wait(t, ctx, timeout)
}

func (e *TestEngineEnv) WaitForStepWaiting(
	t *testing.T, ctx context.Context, execID api.ExecutionID,
	stepID api.StepID, timeout time.Duration,
) *api.StepState {
	t.Helper()
	return e.SubscribeToStepEvents(
		execID, stepID,
		func(ss *api.StepState) bool {
			return ss.Status == api.StepWaiting
		},
		api.EventTypeStepWaiting,
	).Wait(t, ctx, timeout)
}

// filterStep matches events whose payload names the given step
func filterStep(stepID api.StepID) events.EventFilter {
	type stepPayload struct {
		StepID api.StepID `json:"step_id"`
	}
	return func(ev *timebox.Event) bool {
		var p stepPayload
		if json.Unmarshal(ev.Data, &p) != nil {
			return false
		}
		return p.StepID == stepID
	}
}
