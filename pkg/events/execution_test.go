package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kode4food/timebox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/assert/helpers"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
)

func TestProcessStartedApplier(t *testing.T) {
	now := time.Now()
	def := helpers.NewTestProcess(
		helpers.NewAgentStep("a"),
		helpers.NewAgentStep("b", "a"),
	)

	st := applyExecution(t, events.NewExecutionState(), now,
		api.EventTypeProcessStarted, api.ProcessStartedEvent{
			Definition:  def,
			Input:       api.Args{"topic": "go"},
			ExecutionID: "we-1",
			ProcessID:   "wf-1",
			TriggeredBy: "manual",
		})

	assert.Equal(t, api.ExecutionRunning, st.Status)
	assert.Equal(t, api.ExecutionID("we-1"), st.ID)
	assert.Equal(t, "manual", st.TriggeredBy)
	assert.Len(t, st.Steps, 2)
	assert.Equal(t, api.StepPending, st.Steps["a"].Status)
	assert.Equal(t, api.StepPending, st.Steps["b"].Status)
	assert.True(t, st.CreatedAt.Equal(now))
}

func TestStepStartedCountsAttempts(t *testing.T) {
	st := startedExecution(t, helpers.NewAgentStep("a"))

	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepStarted, api.StepStartedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
		})
	assert.Equal(t, api.StepRunning, st.Steps["a"].Status)
	assert.Equal(t, 1, st.Steps["a"].Attempts)

	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepStarted, api.StepStartedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
		})
	assert.Equal(t, 2, st.Steps["a"].Attempts)
}

func TestStepStartedResumeKeepsAttempts(t *testing.T) {
	st := startedExecution(t, helpers.NewAgentStep("a"))

	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepStarted, api.StepStartedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
		})
	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepStarted, api.StepStartedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
			Resume:      true,
		})

	assert.Equal(t, api.StepRunning, st.Steps["a"].Status)
	assert.Equal(t, 1, st.Steps["a"].Attempts)
}

func TestStepCompletedAssignsSequence(t *testing.T) {
	st := startedExecution(t,
		helpers.NewAgentStep("a"),
		helpers.NewAgentStep("b"),
	)

	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepCompleted, api.StepCompletedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
			Output:      api.Args{"result": "done"},
		})
	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepCompleted, api.StepCompletedEvent{
			ExecutionID: st.ID,
			StepID:      "b",
		})

	assert.Equal(t, api.StepCompleted, st.Steps["a"].Status)
	assert.Equal(t, api.Args{"result": "done"}, st.Steps["a"].Output)
	assert.Less(t, st.Steps["a"].CompletedSeq, st.Steps["b"].CompletedSeq)
}

func TestRetryScheduledApplier(t *testing.T) {
	retryAt := time.Now().Add(time.Second).Truncate(time.Millisecond)
	st := startedExecution(t, helpers.NewAgentStep("a"))

	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepStarted, api.StepStartedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
		})
	st = applyExecution(t, st, time.Now(),
		api.EventTypeRetryScheduled, api.RetryScheduledEvent{
			NextRetryAt: retryAt,
			ExecutionID: st.ID,
			StepID:      "a",
			Error:       "agent timeout",
			Attempts:    1,
		})

	ss := st.Steps["a"]
	assert.Equal(t, api.StepPending, ss.Status)
	assert.Equal(t, 1, ss.Attempts)
	assert.Equal(t, "agent timeout", ss.Error)
	assert.True(t, ss.NextRetryAt.Equal(retryAt))
	assert.False(t, ss.PolicyReset)
}

func TestRetrySchedulerResetMarksPolicy(t *testing.T) {
	st := startedExecution(t, helpers.NewAgentStep("a"))

	st = applyExecution(t, st, time.Now(),
		api.EventTypeRetryScheduled, api.RetryScheduledEvent{
			NextRetryAt: time.Now(),
			ExecutionID: st.ID,
			StepID:      "a",
			Attempts:    0,
			Reset:       true,
		})

	ss := st.Steps["a"]
	assert.Equal(t, 0, ss.Attempts)
	assert.True(t, ss.PolicyReset)
}

func TestProcessCancelledSkipsUnsettledSteps(t *testing.T) {
	st := startedExecution(t,
		helpers.NewAgentStep("done-step"),
		helpers.NewAgentStep("pending-step"),
		helpers.NewApprovalStep("waiting-step"),
	)

	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepCompleted, api.StepCompletedEvent{
			ExecutionID: st.ID,
			StepID:      "done-step",
		})
	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepWaiting, api.StepWaitingEvent{
			ExecutionID: st.ID,
			StepID:      "waiting-step",
			Reason:      "approval",
		})
	st = applyExecution(t, st, time.Now(),
		api.EventTypeProcessCancelled, api.ProcessCancelledEvent{
			ExecutionID: st.ID,
			Reason:      "operator request",
		})

	assert.Equal(t, api.ExecutionCancelled, st.Status)
	assert.Equal(t, api.StepCompleted, st.Steps["done-step"].Status)
	assert.Equal(t, api.StepSkipped, st.Steps["pending-step"].Status)
	assert.Equal(t, api.StepSkipped, st.Steps["waiting-step"].Status)
}

func TestCompensationAppliers(t *testing.T) {
	st := startedExecution(t, helpers.NewAgentStep("a"))

	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepCompleted, api.StepCompletedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
		})
	st = applyExecution(t, st, time.Now(),
		api.EventTypeStepCompensated, api.StepCompensatedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
		})
	assert.Equal(t, api.StepCompensated, st.Steps["a"].Status)

	st = applyExecution(t, st, time.Now(),
		api.EventTypeCompensationFailed, api.CompensationFailedEvent{
			ExecutionID: st.ID,
			StepID:      "a",
			Error:       "undo failed",
		})
	assert.Equal(t, "undo failed", st.Steps["a"].Error)
}

func TestExecutionKeyRoundTrip(t *testing.T) {
	key := events.ExecutionKey(api.ExecutionID("we-9"))
	ev := &timebox.Event{AggregateID: key}

	assert.True(t, events.IsExecutionEvent(ev))
	assert.Equal(t, api.ExecutionID("we-9"), events.ExecutionIDOf(ev))

	assert.False(t, events.IsExecutionEvent(
		&timebox.Event{AggregateID: events.RegistryKey},
	))
}

func startedExecution(
	t *testing.T, steps ...*api.StepDefinition,
) *api.ExecutionState {
	t.Helper()
	return applyExecution(t, events.NewExecutionState(), time.Now(),
		api.EventTypeProcessStarted, api.ProcessStartedEvent{
			Definition:  helpers.NewTestProcess(steps...),
			ExecutionID: "we-1",
			ProcessID:   "wf-1",
		})
}

func applyExecution(
	t *testing.T, st *api.ExecutionState, ts time.Time,
	eventType api.EventType, payload any,
) *api.ExecutionState {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	ev := &timebox.Event{
		Timestamp:   ts,
		AggregateID: events.ExecutionKey(api.ExecutionID("we-1")),
		Type:        timebox.EventType(eventType),
		Data:        data,
	}

	applier := events.ExecutionAppliers[ev.Type]
	require.NotNil(t, applier, "no applier for %s", eventType)
	return applier(st, ev)
}
