package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gantryio/gantry/internal/approval"
	"github.com/gantryio/gantry/pkg/api"
)

// HumanApprovalHandler suspends human_approval steps behind an approval
// store. The first attempt creates the request; re-entry checks for a
// decision, so recovery can safely re-run it.
type HumanApprovalHandler struct {
	store *approval.Store
}

// ReasonApproval is the wait reason recorded for suspended approval steps
const ReasonApproval = "approval"

var (
	ErrApprovalRejected = errors.New("approval rejected")
	ErrApprovalTimedOut = errors.New("approval timed out")
)

var _ Resumable = (*HumanApprovalHandler)(nil)

// NewHumanApprovalHandler creates the handler for human_approval steps
func NewHumanApprovalHandler(store *approval.Store) *HumanApprovalHandler {
	return &HumanApprovalHandler{store: store}
}

func (h *HumanApprovalHandler) Execute(
	ctx context.Context, sc *StepContext,
) *Outcome {
	cfg := sc.Step.Approval

	req, err := h.store.Get(ctx, sc.Execution.ID, sc.Step.ID)
	switch {
	case errors.Is(err, approval.ErrApprovalNotFound):
		return h.request(ctx, sc, cfg)
	case err != nil:
		return Failure(err, true)
	}

	switch req.Status {
	case api.ApprovalApproved:
		return Success(api.Args{
			"approved":   true,
			"decided_by": req.DecidedBy,
			"reason":     req.Reason,
		})
	case api.ApprovalRejected:
		return Failure(fmt.Errorf("%w by %s: %s",
			ErrApprovalRejected, req.DecidedBy, req.Reason), false)
	}

	// Still pending. A configured timeout turns an expired wait into a
	// terminal failure instead of parking the step again.
	if expired(sc.State) {
		return Failure(fmt.Errorf("%w: %s", ErrApprovalTimedOut,
			sc.Step.ID), false)
	}
	return suspendForApproval(cfg)
}

func expired(ss *api.StepState) bool {
	return ss != nil && !ss.ResumeAt.IsZero() &&
		time.Now().After(ss.ResumeAt)
}

func (h *HumanApprovalHandler) request(
	ctx context.Context, sc *StepContext, cfg *api.HumanApprovalConfig,
) *Outcome {
	prompt, err := sc.Eval.Expand(cfg.Prompt)
	if err != nil {
		return Failure(err, false)
	}
	if err := h.store.Create(ctx, &api.ApprovalRequest{
		ExecutionID: sc.Execution.ID,
		StepID:      sc.Step.ID,
		Prompt:      prompt,
		Approvers:   cfg.Approvers,
	}); err != nil {
		return Failure(err, true)
	}
	return suspendForApproval(cfg)
}

func suspendForApproval(cfg *api.HumanApprovalConfig) *Outcome {
	var resumeAt time.Time
	if cfg.Timeout > 0 {
		resumeAt = time.Now().Add(cfg.Timeout.Duration())
	}
	return Suspend(ReasonApproval, resumeAt)
}

func (*HumanApprovalHandler) Resumable() {}
