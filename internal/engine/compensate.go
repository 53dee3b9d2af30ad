package engine

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/gantryio/gantry/internal/expr"
	"github.com/gantryio/gantry/internal/gateway"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/log"
)

// runCompensations dispatches the compensation action of every completed
// step that declares one, newest completion first. A failed compensation is
// recorded and the sweep continues; the execution settles failed either way.
func (ea *executionActor) runCompensations(st *api.ExecutionState) {
	targets := compensationTargets(st)
	if len(targets) == 0 {
		return
	}

	eval, err := ea.evalContext(ea.ctx, st)
	if err != nil {
		slog.Error("Failed to build compensation context",
			log.ExecutionID(ea.execID),
			log.Error(err))
		return
	}

	for _, step := range targets {
		ea.compensateStep(st, step, eval)
	}
}

// compensationTargets returns completed steps carrying a compensation
// action, in reverse completion order
func compensationTargets(st *api.ExecutionState) []*api.StepDefinition {
	var res []*api.StepDefinition
	for _, step := range st.Definition.Steps {
		if step.Compensation == nil {
			continue
		}
		ss := st.Step(step.ID)
		if ss == nil || ss.Status != api.StepCompleted {
			continue
		}
		res = append(res, step)
	}
	slices.SortFunc(res, func(l, r *api.StepDefinition) int {
		return cmp.Compare(
			st.Step(r.ID).CompletedSeq, st.Step(l.ID).CompletedSeq,
		)
	})
	return res
}

func (ea *executionActor) compensateStep(
	st *api.ExecutionState, step *api.StepDefinition, eval *expr.Context,
) {
	err := ea.dispatchCompensation(st, step, eval)
	if err == nil {
		ea.recordCompensation(step.ID, api.EventTypeStepCompensated,
			api.StepCompensatedEvent{
				ExecutionID: ea.execID,
				StepID:      step.ID,
			})
		return
	}

	slog.Warn("Compensation failed",
		log.ExecutionID(ea.execID),
		log.StepID(step.ID),
		log.Error(err))
	ea.recordCompensation(step.ID, api.EventTypeCompensationFailed,
		api.CompensationFailedEvent{
			ExecutionID: ea.execID,
			StepID:      step.ID,
			Error:       err.Error(),
		})
}

func (ea *executionActor) dispatchCompensation(
	st *api.ExecutionState, step *api.StepDefinition, eval *expr.Context,
) error {
	message, err := eval.Expand(step.Compensation.Message)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(
		ea.ctx, ea.config.StepTimeout.Duration(),
	)
	defer cancel()

	_, err = ea.agents.Dispatch(ctx, &gateway.Request{
		Agent:       step.Compensation.Agent,
		Message:     message,
		Input:       st.Input,
		Metadata:    ea.metadata(st),
		ExecutionID: ea.execID,
		StepID:      step.ID,
	})
	return err
}

func (ea *executionActor) recordCompensation(
	stepID api.StepID, eventType api.EventType, data any,
) {
	err := ea.raiseExecutionEvent(ea.ctx, ea.execID, eventType, data)
	if err != nil {
		slog.Error("Failed to record compensation outcome",
			log.ExecutionID(ea.execID),
			log.StepID(stepID),
			log.Error(err))
	}
}
