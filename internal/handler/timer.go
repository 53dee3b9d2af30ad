package handler

import (
	"context"
	"time"

	"github.com/gantryio/gantry/pkg/api"
)

// TimerHandler suspends timer steps until their due-time. The due-time is
// computed once, on the first attempt, and persisted as the step's resume
// time; re-entry after the deadline completes the step.
type TimerHandler struct{}

// ReasonTimer is the wait reason recorded for suspended timer steps
const ReasonTimer = "timer"

var _ Resumable = (*TimerHandler)(nil)

// NewTimerHandler creates the handler for timer steps
func NewTimerHandler() *TimerHandler {
	return &TimerHandler{}
}

func (h *TimerHandler) Execute(
	_ context.Context, sc *StepContext,
) *Outcome {
	due := dueTime(sc)
	if !time.Now().Before(due) {
		return Success(api.Args{
			"fired_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
	return Suspend(ReasonTimer, due)
}

func dueTime(sc *StepContext) time.Time {
	if sc.State != nil && !sc.State.ResumeAt.IsZero() {
		return sc.State.ResumeAt
	}
	return time.Now().Add(sc.Step.Timer.Delay.Duration())
}

func (*TimerHandler) Resumable() {}
