package events

import (
	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/pkg/api"
)

// ExecutionPrefix is the aggregate prefix for process executions
const ExecutionPrefix = "execution"

// ExecutionAppliers contains the event applier functions for execution
// aggregates
var ExecutionAppliers = makeExecutionAppliers()

// NewExecutionState creates an empty execution aggregate
func NewExecutionState() *api.ExecutionState {
	return &api.ExecutionState{
		Status: api.ExecutionCreated,
		Steps:  map[api.StepID]*api.StepState{},
	}
}

// ExecutionKey returns the aggregate ID for an execution
func ExecutionKey[T ~string](id T) timebox.AggregateID {
	return timebox.NewAggregateID(ExecutionPrefix, timebox.ID(id))
}

// IsExecutionEvent returns true if the event belongs to an execution
// aggregate
func IsExecutionEvent(ev *timebox.Event) bool {
	return len(ev.AggregateID) >= 2 && ev.AggregateID[0] == ExecutionPrefix
}

// ExecutionIDOf extracts the execution ID from an execution event
func ExecutionIDOf(ev *timebox.Event) api.ExecutionID {
	return api.ExecutionID(ev.AggregateID[1])
}

func makeExecutionAppliers() timebox.Appliers[*api.ExecutionState] {
	return MakeAppliers(map[api.EventType]timebox.Applier[*api.ExecutionState]{
		api.EventTypeProcessStarted:     timebox.MakeApplier(processStarted),
		api.EventTypeProcessCompleted:   timebox.MakeApplier(processCompleted),
		api.EventTypeProcessFailed:      timebox.MakeApplier(processFailed),
		api.EventTypeProcessCancelled:   timebox.MakeApplier(processCancelled),
		api.EventTypeStepStarted:        timebox.MakeApplier(stepStarted),
		api.EventTypeStepCompleted:      timebox.MakeApplier(stepCompleted),
		api.EventTypeStepFailed:         timebox.MakeApplier(stepFailed),
		api.EventTypeStepSkipped:        timebox.MakeApplier(stepSkipped),
		api.EventTypeStepWaiting:        timebox.MakeApplier(stepWaiting),
		api.EventTypeStepCompensated:    timebox.MakeApplier(stepCompensated),
		api.EventTypeCompensationFailed: timebox.MakeApplier(compensationFailed),
		api.EventTypeRetryScheduled:     timebox.MakeApplier(retryScheduled),
		api.EventTypeApprovalRequested:  timebox.MakeApplier(approvalRequested),
		api.EventTypeApprovalDecided:    timebox.MakeApplier(approvalDecided),
	})
}

func processStarted(
	_ *api.ExecutionState, ev *timebox.Event, data api.ProcessStartedEvent,
) *api.ExecutionState {
	steps := map[api.StepID]*api.StepState{}
	for _, s := range data.Definition.Steps {
		steps[s.ID] = &api.StepState{Status: api.StepPending}
	}

	st := &api.ExecutionState{
		ID:          data.ExecutionID,
		ProcessID:   data.ProcessID,
		ProcessVer:  data.Definition.Version,
		Status:      api.ExecutionRunning,
		Definition:  data.Definition,
		Steps:       steps,
		Input:       data.Input,
		TriggeredBy: data.TriggeredBy,
		CreatedAt:   ev.Timestamp,
	}
	return st.SetLastUpdated(ev.Timestamp)
}

func processCompleted(
	st *api.ExecutionState, ev *timebox.Event, _ api.ProcessCompletedEvent,
) *api.ExecutionState {
	return st.
		SetStatus(api.ExecutionCompleted).
		SetCompletedAt(ev.Timestamp).
		SetLastUpdated(ev.Timestamp)
}

func processFailed(
	st *api.ExecutionState, ev *timebox.Event, data api.ProcessFailedEvent,
) *api.ExecutionState {
	return st.
		SetStatus(api.ExecutionFailed).
		SetError(data.Error).
		SetCompletedAt(ev.Timestamp).
		SetLastUpdated(ev.Timestamp)
}

func processCancelled(
	st *api.ExecutionState, ev *timebox.Event, data api.ProcessCancelledEvent,
) *api.ExecutionState {
	res := st
	for id, ss := range st.Steps {
		if ss.Status == api.StepPending || ss.Status == api.StepWaiting {
			res = res.SetStep(id,
				ss.
					SetStatus(api.StepSkipped).
					SetError(data.Reason).
					SetCompletedAt(ev.Timestamp),
			)
		}
	}
	return res.
		SetStatus(api.ExecutionCancelled).
		SetError(data.Reason).
		SetCompletedAt(ev.Timestamp).
		SetLastUpdated(ev.Timestamp)
}

func stepStarted(
	st *api.ExecutionState, ev *timebox.Event, data api.StepStartedEvent,
) *api.ExecutionState {
	ss := st.Steps[data.StepID]

	updated := ss.SetStatus(api.StepRunning)
	if !data.Resume {
		updated = updated.
			SetAttempts(ss.Attempts + 1).
			SetStartedAt(ev.Timestamp)
	} else if updated.StartedAt.IsZero() {
		updated = updated.SetStartedAt(ev.Timestamp)
	}

	return st.
		SetStep(data.StepID, updated).
		SetLastUpdated(ev.Timestamp)
}

func stepCompleted(
	st *api.ExecutionState, ev *timebox.Event, data api.StepCompletedEvent,
) *api.ExecutionState {
	res, seq := st.NextCompletedSeq()

	return res.
		SetStep(data.StepID,
			st.Steps[data.StepID].
				SetStatus(api.StepCompleted).
				SetOutput(data.Output, data.OutputRef).
				SetCost(data.Cost, data.Tokens).
				SetDuration(data.DurationSec).
				SetCompletedAt(ev.Timestamp).
				SetCompletedSeq(seq),
		).
		SetLastUpdated(ev.Timestamp)
}

func stepFailed(
	st *api.ExecutionState, ev *timebox.Event, data api.StepFailedEvent,
) *api.ExecutionState {
	return st.
		SetStep(data.StepID,
			st.Steps[data.StepID].
				SetStatus(api.StepFailed).
				SetError(data.Error).
				SetCompletedAt(ev.Timestamp),
		).
		SetLastUpdated(ev.Timestamp)
}

func stepSkipped(
	st *api.ExecutionState, ev *timebox.Event, data api.StepSkippedEvent,
) *api.ExecutionState {
	return st.
		SetStep(data.StepID,
			st.Steps[data.StepID].
				SetStatus(api.StepSkipped).
				SetError(data.Reason).
				SetCompletedAt(ev.Timestamp),
		).
		SetLastUpdated(ev.Timestamp)
}

func stepWaiting(
	st *api.ExecutionState, ev *timebox.Event, data api.StepWaitingEvent,
) *api.ExecutionState {
	return st.
		SetStep(data.StepID,
			st.Steps[data.StepID].
				SetStatus(api.StepWaiting).
				SetWaitReason(data.Reason, data.ResumeAt),
		).
		SetLastUpdated(ev.Timestamp)
}

func stepCompensated(
	st *api.ExecutionState, ev *timebox.Event, data api.StepCompensatedEvent,
) *api.ExecutionState {
	return st.
		SetStep(data.StepID,
			st.Steps[data.StepID].SetStatus(api.StepCompensated),
		).
		SetLastUpdated(ev.Timestamp)
}

func compensationFailed(
	st *api.ExecutionState, ev *timebox.Event, data api.CompensationFailedEvent,
) *api.ExecutionState {
	return st.
		SetStep(data.StepID,
			st.Steps[data.StepID].SetError(data.Error),
		).
		SetLastUpdated(ev.Timestamp)
}

func retryScheduled(
	st *api.ExecutionState, ev *timebox.Event, data api.RetryScheduledEvent,
) *api.ExecutionState {
	ss := st.Steps[data.StepID]

	updated := ss.
		SetStatus(api.StepPending).
		SetAttempts(data.Attempts).
		SetNextRetryAt(data.NextRetryAt).
		SetError(data.Error)
	if data.Reset {
		updated = updated.SetPolicyReset()
	}

	return st.
		SetStep(data.StepID, updated).
		SetLastUpdated(ev.Timestamp)
}

func approvalRequested(
	st *api.ExecutionState, ev *timebox.Event, _ api.ApprovalRequestedEvent,
) *api.ExecutionState {
	return st.SetLastUpdated(ev.Timestamp)
}

// approvalDecided records nothing on the step; the engine raises the
// resulting step_completed or step_failed event. The decision itself is
// durable in the approval store and in the event log.
func approvalDecided(
	st *api.ExecutionState, ev *timebox.Event, _ api.ApprovalDecidedEvent,
) *api.ExecutionState {
	return st.SetLastUpdated(ev.Timestamp)
}
