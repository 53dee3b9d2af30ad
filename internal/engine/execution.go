package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gantryio/gantry/internal/handler"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/log"
)

// StartExecution starts a new execution of a published process definition.
// Version zero selects the latest version, which must be published. The
// definition is snapshotted into the execution aggregate, so later edits to
// the process never affect executions already in flight.
func (e *Engine) StartExecution(
	ctx context.Context, processID api.ProcessID, version int64,
	triggeredBy string, input api.Args,
) (api.ExecutionID, error) {
	def, err := e.GetDefinition(ctx, processID, version)
	if err != nil {
		return "", err
	}
	if !def.IsExecutable() {
		return "", fmt.Errorf("%w: %s@%d is %s", ErrDefinitionNotRunnable,
			processID, def.Version, def.Status)
	}

	execID := api.NewExecutionID()
	err = e.raiseExecutionEvent(ctx, execID, api.EventTypeProcessStarted,
		api.ProcessStartedEvent{
			Definition:  def,
			Input:       input,
			ExecutionID: execID,
			ProcessID:   processID,
			TriggeredBy: triggeredBy,
		})
	if err != nil {
		return "", err
	}

	slog.Info("Execution started",
		log.ExecutionID(execID),
		log.ProcessID(processID),
		slog.Int64("version", def.Version))
	return execID, nil
}

// CancelExecution cooperatively cancels a running execution. In-flight step
// attempts have their contexts cancelled; pending and waiting steps are
// skipped by the cancellation applier.
func (e *Engine) CancelExecution(
	ctx context.Context, execID api.ExecutionID, reason string,
) error {
	err := e.raiseExecutionEvent(ctx, execID, api.EventTypeProcessCancelled,
		api.ProcessCancelledEvent{
			ExecutionID: execID,
			Reason:      reason,
		})
	if err != nil {
		return err
	}

	e.waits.RemoveExecution(execID)
	e.cancelRunningSteps(execID)
	e.pruneApprovals(ctx, execID)

	slog.Info("Execution cancelled",
		log.ExecutionID(execID),
		slog.String("reason", reason))
	return nil
}

func (e *Engine) pruneApprovals(ctx context.Context, execID api.ExecutionID) {
	reqs, err := e.approvals.GetPending(ctx, execID)
	if err != nil {
		slog.Warn("Failed to list pending approvals",
			log.ExecutionID(execID), log.Error(err))
		return
	}
	for _, req := range reqs {
		if err := e.approvals.Delete(ctx, execID, req.StepID); err != nil {
			slog.Warn("Failed to remove approval request",
				log.ExecutionID(execID),
				log.StepID(req.StepID),
				log.Error(err))
		}
	}
}

func (e *Engine) cancelRunningSteps(execID api.ExecutionID) {
	e.running.Range(func(key, value any) bool {
		if key.(api.ExecutionStep).ExecutionID == execID {
			value.(context.CancelFunc)()
		}
		return true
	})
}

// RecordApprovalDecision resolves a waiting approval step. The decision is
// persisted in the approval store first; the approval_decided event then
// re-enters the step through its actor.
func (e *Engine) RecordApprovalDecision(
	ctx context.Context, execID api.ExecutionID, stepID api.StepID,
	status api.ApprovalStatus, decidedBy, reason string,
) error {
	st, err := e.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	ss := st.Step(stepID)
	if ss == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if ss.Status != api.StepWaiting || ss.WaitReason != handler.ReasonApproval {
		return fmt.Errorf("%w: %s is %s", ErrStepNotWaiting, stepID, ss.Status)
	}

	if _, err := e.approvals.RecordDecision(
		ctx, execID, stepID, status, decidedBy, reason,
	); err != nil {
		return err
	}

	return e.raiseExecutionEvent(ctx, execID, api.EventTypeApprovalDecided,
		api.ApprovalDecidedEvent{
			ExecutionID: execID,
			StepID:      stepID,
			Status:      status,
			DecidedBy:   decidedBy,
			Reason:      reason,
		})
}

// PendingApprovals lists undecided approval requests for an execution
func (e *Engine) PendingApprovals(
	ctx context.Context, execID api.ExecutionID,
) ([]*api.ApprovalRequest, error) {
	if _, err := e.GetExecution(ctx, execID); err != nil {
		return nil, err
	}
	return e.approvals.GetPending(ctx, execID)
}

// ListActiveExecutions returns digests of executions that have started and
// not yet settled, most recently started first
func (e *Engine) ListActiveExecutions(
	ctx context.Context,
) ([]*api.ExecutionDigest, error) {
	reg, err := e.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]*api.ExecutionDigest, 0, len(reg.Active))
	for _, d := range reg.Active {
		res = append(res, d)
	}
	slices.SortFunc(res, func(l, r *api.ExecutionDigest) int {
		return r.StartedAt.Compare(l.StartedAt)
	})
	return res, nil
}
