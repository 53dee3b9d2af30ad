// Package handler binds step types to the code that performs them. The
// engine's drive cycle resolves a handler per step and interprets its
// outcome; handlers never raise out of Execute.
package handler

import (
	"context"
	"time"

	"github.com/gantryio/gantry/internal/expr"
	"github.com/gantryio/gantry/pkg/api"
)

type (
	// Handler performs one attempt of a step. Failures are reported in the
	// outcome, not returned, so the drive loop never has to distinguish
	// handler errors from engine defects.
	Handler interface {
		Execute(context.Context, *StepContext) *Outcome
	}

	// Resumable marks handlers whose Execute is idempotent: an interrupted
	// attempt may be re-entered by the recovery service without counting a
	// new attempt or repeating external side effects
	Resumable interface {
		Handler
		Resumable()
	}

	// StepContext is everything a handler may consult for one attempt
	StepContext struct {
		Execution *api.ExecutionState
		Step      *api.StepDefinition
		State     *api.StepState
		Eval      *expr.Context
		Metadata  api.Metadata
		Timeout   time.Duration
	}

	// OutcomeKind discriminates the three handler results
	OutcomeKind int

	// Outcome is the result of one step attempt
	Outcome struct {
		ResumeAt    time.Time
		Output      api.Args
		Err         error
		Reason      string
		Cost        api.Money
		Tokens      api.TokenUsage
		DurationSec api.Seconds
		Kind        OutcomeKind
		Retryable   bool
	}
)

const (
	// OutcomeSuccess settles the step completed
	OutcomeSuccess OutcomeKind = iota

	// OutcomeFailure routes the step through retry and error policies
	OutcomeFailure

	// OutcomeSuspend parks the step waiting on an external event
	OutcomeSuspend
)

// Success builds a completed outcome
func Success(output api.Args) *Outcome {
	return &Outcome{Kind: OutcomeSuccess, Output: output}
}

// Failure builds a failed outcome with a retryable classification
func Failure(err error, retryable bool) *Outcome {
	return &Outcome{Kind: OutcomeFailure, Err: err, Retryable: retryable}
}

// Suspend builds a waiting outcome. resumeAt is zero when the step waits
// on an external decision rather than a due-time.
func Suspend(reason string, resumeAt time.Time) *Outcome {
	return &Outcome{Kind: OutcomeSuspend, Reason: reason, ResumeAt: resumeAt}
}

// WithCost attaches cost and token accounting to an outcome
func (o *Outcome) WithCost(cost api.Money, tokens api.TokenUsage) *Outcome {
	o.Cost = cost
	o.Tokens = tokens
	return o
}

// WithDuration records how long the attempt took
func (o *Outcome) WithDuration(d time.Duration) *Outcome {
	o.DurationSec = api.Seconds(d / time.Second)
	return o
}

// StepTimeout returns the step's configured timeout, falling back to the
// context default
func (sc *StepContext) StepTimeout() time.Duration {
	var cfg api.Seconds
	switch {
	case sc.Step.AgentTask != nil:
		cfg = sc.Step.AgentTask.Timeout
	case sc.Step.Approval != nil:
		cfg = sc.Step.Approval.Timeout
	}
	if cfg > 0 {
		return cfg.Duration()
	}
	return sc.Timeout
}
