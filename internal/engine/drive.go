package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantryio/gantry/internal/expr"
	"github.com/gantryio/gantry/internal/graph"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
	"github.com/gantryio/gantry/pkg/log"
)

// drive advances the execution one cycle: dispatch every eligible step,
// then settle the execution if every step is done. Steps inside a retry
// backoff stay parked in the wait queue.
func (ea *executionActor) drive() {
	st, err := ea.GetExecution(ea.ctx, ea.execID)
	if err != nil {
		slog.Error("Failed to load execution",
			log.ExecutionID(ea.execID),
			log.Error(err))
		return
	}
	if st.Status != api.ExecutionRunning {
		return
	}

	statuses := st.StepStatuses()
	now := time.Now()
	dispatched := false

	for _, step := range graph.Eligible(st.Definition, statuses) {
		ss := st.Steps[step.ID]
		if !ss.NextRetryAt.IsZero() && ss.NextRetryAt.After(now) {
			ea.waits.Push(&WaitItem{
				ExecutionStep: ea.stepRef(step.ID),
				Kind:          WaitRetry,
				DueAt:         ss.NextRetryAt,
			})
			continue
		}
		if err := ea.dispatchStep(step.ID, false); err != nil {
			slog.Error("Failed to dispatch step",
				log.ExecutionID(ea.execID),
				log.StepID(step.ID),
				log.Error(err))
			continue
		}
		dispatched = true
	}

	if !dispatched {
		ea.checkCompletion(st)
	}
}

// checkCompletion settles the execution once no step can make further
// progress. A step left FAILED while the execution is still running means
// its error boundary was interrupted before settling the execution; the
// boundary runs again. Pending steps whose dependencies can never satisfy
// them no longer hold completion open.
func (ea *executionActor) checkCompletion(st *api.ExecutionState) {
	statuses := st.StepStatuses()
	for id, ss := range st.Steps {
		switch ss.Status {
		case api.StepFailed:
			ea.failExecution(id, ss.Error)
			return

		case api.StepPending:
			if !graph.Blocked(st.Definition.Step(id), statuses) {
				return
			}

		default:
			if !ss.Status.SatisfiesDependency() {
				return
			}
		}
	}

	err := ea.raiseExecutionEvent(ea.ctx, ea.execID,
		api.EventTypeProcessCompleted,
		api.ProcessCompletedEvent{ExecutionID: ea.execID})
	if err != nil {
		slog.Error("Failed to complete execution",
			log.ExecutionID(ea.execID),
			log.Error(err))
		return
	}
	slog.Info("Execution completed",
		log.ExecutionID(ea.execID),
		log.ProcessID(st.ProcessID))
}

// dispatchStep marks a step running and launches its handler. resume
// re-enters a waiting step without counting a new attempt.
func (ea *executionActor) dispatchStep(stepID api.StepID, resume bool) error {
	from := api.StepPending
	if resume {
		from = api.StepWaiting
	}

	st, err := ea.execExecution(ea.ctx, ea.execID,
		func(st *api.ExecutionState, ag *ExecutionAggregator) error {
			if st.Status != api.ExecutionRunning {
				return ErrInvalidExecutionState
			}
			ss := st.Step(stepID)
			if ss == nil {
				return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
			}
			if ss.Status != from ||
				!stepTransitions.CanTransition(ss.Status, api.StepRunning) {
				return fmt.Errorf("%w: %s -> running",
					ErrInvalidTransition, ss.Status)
			}
			return events.Raise(ag, api.EventTypeStepStarted,
				api.StepStartedEvent{
					ExecutionID: ea.execID,
					StepID:      stepID,
					Resume:      resume,
				})
		},
	)
	if err != nil {
		return err
	}

	step := st.Definition.Step(stepID)
	if step == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	ea.wg.Add(1)
	go func() {
		defer ea.wg.Done()
		ea.executeStep(st, step)
	}()
	return nil
}

// resumeStep re-enters a waiting step
func (ea *executionActor) resumeStep(stepID api.StepID) error {
	return ea.dispatchStep(stepID, true)
}

// evalContext builds the expression context from the outputs of completed
// steps, rehydrating externally stored outputs
func (ea *executionActor) evalContext(
	ctx context.Context, st *api.ExecutionState,
) (*expr.Context, error) {
	outputs := map[api.StepID]api.Args{}
	for id, ss := range st.Steps {
		if ss.Status != api.StepCompleted {
			continue
		}
		out, err := ea.outputs.Resolve(ctx, ss)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = api.Args{}
		}
		outputs[id] = out
	}
	return expr.NewContext(st.Definition, outputs)
}

func (ea *executionActor) stepRef(stepID api.StepID) api.ExecutionStep {
	return api.ExecutionStep{
		ExecutionID: ea.execID,
		StepID:      stepID,
	}
}
