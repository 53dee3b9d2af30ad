package engine

import (
	"math"
	"time"

	"github.com/gantryio/gantry/pkg/api"
)

type backoffCalculator func(baseDelayMs int64, attempts int) int64

var backoffCalculators = map[string]backoffCalculator{
	api.BackoffTypeFixed: func(base int64, _ int) int64 {
		return base
	},
	api.BackoffTypeExponential: func(base int64, attempts int) int64 {
		multiplier := math.Pow(2, float64(attempts-1))
		return int64(float64(base) * multiplier)
	},
}

// retryPolicy returns the step's retry policy, falling back to the
// engine-wide default
func (e *Engine) retryPolicy(step *api.StepDefinition) *api.RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	return &e.config.Retry
}

// shouldRetry reports whether a retryably-failed step has attempts left
func (e *Engine) shouldRetry(
	step *api.StepDefinition, ss *api.StepState, retryable bool,
) bool {
	if !retryable {
		return false
	}
	policy := e.retryPolicy(step)
	if policy.MaxAttempts <= 0 {
		return false
	}
	return ss.Attempts < policy.MaxAttempts
}

// nextRetryTime computes the backoff deadline for the next attempt. The
// delay is capped by the policy's max backoff.
func (e *Engine) nextRetryTime(
	step *api.StepDefinition, attempts int,
) time.Time {
	policy := e.retryPolicy(step)

	base := policy.BackoffMs
	if base <= 0 {
		base = e.config.Retry.BackoffMs
	}
	maxMs := policy.MaxBackoffMs
	if maxMs <= 0 {
		maxMs = e.config.Retry.MaxBackoffMs
	}

	calc, ok := backoffCalculators[policy.BackoffType]
	if !ok {
		calc = backoffCalculators[e.config.Retry.BackoffType]
	}
	if calc == nil {
		calc = backoffCalculators[api.BackoffTypeFixed]
	}

	delayMs := calc(base, max(attempts, 1))
	if delayMs > maxMs || delayMs <= 0 {
		delayMs = maxMs
	}

	return time.Now().Add(time.Duration(delayMs) * time.Millisecond)
}
