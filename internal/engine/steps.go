package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gantryio/gantry/internal/handler"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
	"github.com/gantryio/gantry/pkg/log"
)

// executeStep runs one step attempt outside the actor loop and lands its
// outcome back in the aggregate. The attempt's context is registered so
// cancellation can reach in-flight handlers.
func (ea *executionActor) executeStep(
	st *api.ExecutionState, step *api.StepDefinition,
) {
	h, err := ea.handlers.Lookup(step.Type)
	if err != nil {
		ea.failStep(step, err, false)
		return
	}

	eval, err := ea.evalContext(ea.ctx, st)
	if err != nil {
		ea.failStep(step, err, true)
		return
	}

	ctx, cancel := context.WithCancel(ea.ctx)
	defer cancel()

	ref := ea.stepRef(step.ID)
	ea.running.Store(ref, cancel)
	defer ea.running.Delete(ref)

	outcome := h.Execute(ctx, &handler.StepContext{
		Execution: st,
		Step:      step,
		State:     st.Step(step.ID),
		Eval:      eval,
		Metadata:  ea.metadata(st),
		Timeout:   ea.config.StepTimeout.Duration(),
	})

	if ea.ctx.Err() != nil || ctx.Err() != nil {
		// Cancelled mid-flight; the cancellation path settles the step
		return
	}

	switch outcome.Kind {
	case handler.OutcomeSuccess:
		ea.completeStep(step, outcome)
	case handler.OutcomeSuspend:
		ea.suspendStep(step, outcome)
	default:
		ea.failStep(step, outcome.Err, outcome.Retryable)
	}
}

func (ea *executionActor) metadata(st *api.ExecutionState) api.Metadata {
	return api.Metadata{
		"execution_id":    string(st.ID),
		"process_id":      string(st.ProcessID),
		"process_version": st.ProcessVer,
		"triggered_by":    st.TriggeredBy,
	}
}

// completeStep persists the step's output and settles it. Gateway steps
// additionally skip the downstream steps their selection rejected, in the
// same transaction, so recovery always sees a consistent branch decision.
func (ea *executionActor) completeStep(
	step *api.StepDefinition, outcome *handler.Outcome,
) {
	stored, err := ea.outputs.Put(ea.ctx, ea.stepRef(step.ID), outcome.Output)
	if err != nil {
		ea.failStep(step, err, true)
		return
	}

	_, err = ea.execExecution(ea.ctx, ea.execID,
		func(st *api.ExecutionState, ag *ExecutionAggregator) error {
			if err := verifyRunningStep(st, step.ID); err != nil {
				return err
			}
			if err := events.Raise(ag, api.EventTypeStepCompleted,
				api.StepCompletedEvent{
					ExecutionID: ea.execID,
					StepID:      step.ID,
					Output:      stored.Inline,
					OutputRef:   stored.Ref,
					Cost:        outcome.Cost,
					Tokens:      outcome.Tokens,
					DurationSec: outcome.DurationSec,
				},
			); err != nil {
				return err
			}
			if step.Type == api.StepTypeGateway {
				return ea.skipUnselected(st, step, outcome, ag)
			}
			return nil
		},
	)
	if err != nil {
		slog.Error("Failed to settle completed step",
			log.ExecutionID(ea.execID),
			log.StepID(step.ID),
			log.Error(err))
	}
}

func (ea *executionActor) skipUnselected(
	st *api.ExecutionState, step *api.StepDefinition,
	outcome *handler.Outcome, ag *ExecutionAggregator,
) error {
	_, skipped := handler.SelectedSteps(outcome.Output)
	for _, id := range skipped {
		ss := st.Step(id)
		if ss == nil || ss.Status != api.StepPending {
			continue
		}
		if err := events.Raise(ag, api.EventTypeStepSkipped,
			api.StepSkippedEvent{
				ExecutionID: ea.execID,
				StepID:      id,
				Reason:      fmt.Sprintf("not selected by gateway %s", step.ID),
			},
		); err != nil {
			return err
		}
	}
	return nil
}

// suspendStep parks a step waiting on an external event. Approval steps
// also record an audit event for the request they created.
func (ea *executionActor) suspendStep(
	step *api.StepDefinition, outcome *handler.Outcome,
) {
	_, err := ea.execExecution(ea.ctx, ea.execID,
		func(st *api.ExecutionState, ag *ExecutionAggregator) error {
			if err := verifyRunningStep(st, step.ID); err != nil {
				return err
			}
			if step.Type == api.StepTypeHumanApproval {
				if err := events.Raise(ag, api.EventTypeApprovalRequested,
					api.ApprovalRequestedEvent{
						ExecutionID: ea.execID,
						StepID:      step.ID,
						Prompt:      step.Approval.Prompt,
						Approvers:   step.Approval.Approvers,
					},
				); err != nil {
					return err
				}
			}
			return events.Raise(ag, api.EventTypeStepWaiting,
				api.StepWaitingEvent{
					ExecutionID: ea.execID,
					StepID:      step.ID,
					Reason:      outcome.Reason,
					ResumeAt:    outcome.ResumeAt,
				},
			)
		},
	)
	if err != nil {
		slog.Error("Failed to suspend step",
			log.ExecutionID(ea.execID),
			log.StepID(step.ID),
			log.Error(err))
	}
}

// failStep routes a failed attempt through the retry policy and, when no
// attempts remain, the step's error boundary
func (ea *executionActor) failStep(
	step *api.StepDefinition, cause error, retryable bool,
) {
	errMsg := "step failed"
	if cause != nil {
		errMsg = cause.Error()
	}

	var action api.OnErrorAction
	_, err := ea.execExecution(ea.ctx, ea.execID,
		func(st *api.ExecutionState, ag *ExecutionAggregator) error {
			action = ""
			if err := verifyActiveStep(st, step.ID); err != nil {
				return err
			}
			ss := st.Step(step.ID)

			if ea.shouldRetry(step, ss, retryable) {
				return events.Raise(ag, api.EventTypeRetryScheduled,
					api.RetryScheduledEvent{
						ExecutionID: ea.execID,
						StepID:      step.ID,
						Error:       errMsg,
						Attempts:    ss.Attempts,
						NextRetryAt: ea.nextRetryTime(step, ss.Attempts),
					},
				)
			}

			action = boundaryAction(step, ss)
			switch action {
			case api.OnErrorSkip:
				return events.Raise(ag, api.EventTypeStepSkipped,
					api.StepSkippedEvent{
						ExecutionID: ea.execID,
						StepID:      step.ID,
						Reason:      "error boundary: " + errMsg,
					},
				)

			case api.OnErrorRetry:
				// One-shot policy reset, then a fresh round of attempts
				return events.Raise(ag, api.EventTypeRetryScheduled,
					api.RetryScheduledEvent{
						ExecutionID: ea.execID,
						StepID:      step.ID,
						Error:       errMsg,
						Attempts:    0,
						NextRetryAt: ea.nextRetryTime(step, 1),
						Reset:       true,
					},
				)

			default:
				return events.Raise(ag, api.EventTypeStepFailed,
					api.StepFailedEvent{
						ExecutionID: ea.execID,
						StepID:      step.ID,
						Error:       errMsg,
					},
				)
			}
		},
	)
	if err != nil {
		slog.Error("Failed to settle failed step",
			log.ExecutionID(ea.execID),
			log.StepID(step.ID),
			log.Error(err))
		return
	}

	switch action {
	case api.OnErrorFailExecution, api.OnErrorCompensate:
		ea.failExecution(step.ID, errMsg)
	}
}

// boundaryAction resolves the error boundary for an exhausted step. A
// one-shot attempt reset only fires once; afterwards the step fails the
// execution. Steps without a policy fail the execution.
func boundaryAction(
	step *api.StepDefinition, ss *api.StepState,
) api.OnErrorAction {
	if step.OnError == nil {
		return api.OnErrorFailExecution
	}
	action := step.OnError.OnError
	if action == api.OnErrorRetry && ss.PolicyReset {
		return api.OnErrorFailExecution
	}
	return action
}

// failExecution compensates completed steps in reverse completion order,
// then settles the execution failed
func (ea *executionActor) failExecution(stepID api.StepID, errMsg string) {
	st, err := ea.GetExecution(ea.ctx, ea.execID)
	if err != nil {
		slog.Error("Failed to load execution for failure",
			log.ExecutionID(ea.execID),
			log.Error(err))
		return
	}
	if st.Status.IsTerminal() {
		return
	}

	ea.runCompensations(st)

	err = ea.raiseExecutionEvent(ea.ctx, ea.execID,
		api.EventTypeProcessFailed,
		api.ProcessFailedEvent{
			ExecutionID: ea.execID,
			StepID:      stepID,
			Error:       errMsg,
		})
	if err != nil && !errors.Is(err, ErrInvalidExecutionState) {
		slog.Error("Failed to settle failed execution",
			log.ExecutionID(ea.execID),
			log.Error(err))
		return
	}
	slog.Warn("Execution failed",
		log.ExecutionID(ea.execID),
		log.StepID(stepID),
		slog.String("error", errMsg))
}

func verifyRunningStep(st *api.ExecutionState, stepID api.StepID) error {
	if st.Status != api.ExecutionRunning {
		return ErrInvalidExecutionState
	}
	ss := st.Step(stepID)
	if ss == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if ss.Status != api.StepRunning {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition,
			stepID, ss.Status)
	}
	return nil
}

// verifyActiveStep admits running and waiting steps; a waiting approval
// step may fail directly on rejection or timeout
func verifyActiveStep(st *api.ExecutionState, stepID api.StepID) error {
	if st.Status != api.ExecutionRunning {
		return ErrInvalidExecutionState
	}
	ss := st.Step(stepID)
	if ss == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if ss.Status != api.StepRunning && ss.Status != api.StepWaiting {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition,
			stepID, ss.Status)
	}
	return nil
}
