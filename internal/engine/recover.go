package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gantryio/gantry/internal/handler"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/log"
)

// RecoveryAction is the disposition chosen for a step found stalled after
// an engine restart
type RecoveryAction int

const (
	// RecoveryResume re-enters the step; its handler is idempotent
	RecoveryResume RecoveryAction = iota

	// RecoveryRetryStep schedules a fresh attempt of the step
	RecoveryRetryStep

	// RecoveryMarkFailed routes the step through its error boundary
	RecoveryMarkFailed
)

// ErrStepStalled marks a step whose attempt outlived the recovery cutoff
var ErrStepStalled = errors.New("step stalled past recovery cutoff")

// DecideRecovery picks the disposition for a stalled running step.
// Resumable steps are always re-entered. Others get a fresh attempt unless
// the attempt budget is spent or the step has been stalled past the hard
// cutoff.
func DecideRecovery(
	resumable bool, age, hardCutoff time.Duration, attempts, maxAttempts int,
) RecoveryAction {
	if resumable {
		return RecoveryResume
	}
	if age >= hardCutoff || attempts >= maxAttempts {
		return RecoveryMarkFailed
	}
	return RecoveryRetryStep
}

// RecoverExecutions visits every active execution and settles or restarts
// work interrupted by an engine stop. Failures on one execution never block
// recovery of the others.
func (e *Engine) RecoverExecutions(ctx context.Context) error {
	reg, err := e.GetRegistry(ctx)
	if err != nil {
		return err
	}
	if len(reg.Active) == 0 {
		return nil
	}

	slog.Info("Recovering executions",
		slog.Int("count", len(reg.Active)))

	for execID := range reg.Active {
		if err := e.recoverExecution(ctx, execID); err != nil {
			slog.Error("Failed to recover execution",
				log.ExecutionID(execID),
				log.Error(err))
		}
	}
	return nil
}

func (e *Engine) recoverExecution(
	ctx context.Context, execID api.ExecutionID,
) error {
	st, err := e.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		// The registry missed the settle; drop it from the active set
		return e.deactivate(execID)
	}

	now := time.Now()
	for id, ss := range st.Steps {
		switch ss.Status {
		case api.StepRunning:
			e.recoverRunningStep(st, id, ss, now)

		case api.StepPending:
			if ss.NextRetryAt.After(now) {
				e.waits.Push(&WaitItem{
					ExecutionStep: api.ExecutionStep{
						ExecutionID: execID,
						StepID:      id,
					},
					Kind:  WaitRetry,
					DueAt: ss.NextRetryAt,
				})
			}

		case api.StepWaiting:
			if e.recoverLostDecision(ctx, execID, id, ss) {
				continue
			}
			if ss.ResumeAt.After(now) {
				e.waits.Push(&WaitItem{
					ExecutionStep: api.ExecutionStep{
						ExecutionID: execID,
						StepID:      id,
					},
					Kind:  WaitResume,
					DueAt: ss.ResumeAt,
				})
			}
		}
	}

	e.nudge(execID)
	return nil
}

// recoverLostDecision re-raises approval_decided for a waiting approval
// step whose decision reached the approval store but whose event was lost
// before it could be appended. The re-entered handler reads the decision
// back from the store, so the regenerated event carries the same outcome.
func (e *Engine) recoverLostDecision(
	ctx context.Context, execID api.ExecutionID, stepID api.StepID,
	ss *api.StepState,
) bool {
	if ss.WaitReason != handler.ReasonApproval {
		return false
	}
	req, err := e.approvals.Get(ctx, execID, stepID)
	if err != nil || !req.IsDecided() {
		return false
	}

	slog.Info("Recovering lost approval decision",
		log.ExecutionID(execID),
		log.StepID(stepID),
		log.Status(req.Status))

	err = e.raiseExecutionEvent(ctx, execID, api.EventTypeApprovalDecided,
		api.ApprovalDecidedEvent{
			ExecutionID: execID,
			StepID:      stepID,
			Status:      req.Status,
			DecidedBy:   req.DecidedBy,
			Reason:      req.Reason,
		})
	if err != nil {
		slog.Error("Failed to re-raise approval decision",
			log.ExecutionID(execID),
			log.StepID(stepID),
			log.Error(err))
		return false
	}
	return true
}

// recoverRunningStep settles a step that was mid-attempt when the engine
// stopped. Recently started steps are left alone; the periodic sweep will
// revisit them once they age past the stall threshold.
func (e *Engine) recoverRunningStep(
	st *api.ExecutionState, stepID api.StepID, ss *api.StepState,
	now time.Time,
) {
	if _, inFlight := e.running.Load(api.ExecutionStep{
		ExecutionID: st.ID,
		StepID:      stepID,
	}); inFlight {
		return
	}

	age := now.Sub(ss.StartedAt)
	if age < e.config.RecoveryStalledAge {
		return
	}

	step := st.Definition.Step(stepID)
	if step == nil {
		return
	}
	ea := e.actorFor(st.ID)

	action := DecideRecovery(
		e.handlers.IsResumable(step.Type),
		age, e.config.RecoveryHardCutoff,
		ss.Attempts, e.retryPolicy(step).MaxAttempts,
	)
	slog.Info("Recovering stalled step",
		log.ExecutionID(st.ID),
		log.StepID(stepID),
		slog.Duration("age", age),
		slog.Int("action", int(action)))

	switch action {
	case RecoveryResume:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ea.executeStep(st, step)
		}()

	case RecoveryRetryStep:
		err := e.raiseExecutionEvent(e.ctx, st.ID,
			api.EventTypeRetryScheduled,
			api.RetryScheduledEvent{
				ExecutionID: st.ID,
				StepID:      stepID,
				Error:       ErrStepStalled.Error(),
				Attempts:    ss.Attempts,
				NextRetryAt: now,
			})
		if err != nil {
			slog.Error("Failed to reschedule stalled step",
				log.ExecutionID(st.ID),
				log.StepID(stepID),
				log.Error(err))
		}

	case RecoveryMarkFailed:
		ea.failStep(step, ErrStepStalled, false)
	}
}

// sweepLoop periodically re-runs recovery so steps orphaned by a crashed
// handler goroutine are eventually settled
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.config.RecoverySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(
				e.ctx, e.config.RecoverySweepInterval,
			)
			if err := e.RecoverExecutions(ctx); err != nil {
				slog.Error("Recovery sweep failed",
					log.Error(err))
			}
			cancel()
		}
	}
}
