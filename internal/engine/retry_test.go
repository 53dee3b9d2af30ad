package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/internal/assert/helpers"
	"github.com/gantryio/gantry/internal/gateway"
	"github.com/gantryio/gantry/pkg/api"
)

func retryableFailure(msg string) error {
	return &gateway.AgentTaskError{
		Err:       errors.New(msg),
		Retryable: true,
	}
}

func TestRetryExhaustion(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		step := helpers.NewAgentStep("flaky")
		step.Retry = &api.RetryPolicy{
			MaxAttempts: 3,
			BackoffMs:   10,
			BackoffType: api.BackoffTypeFixed,
		}
		env.Gateway.SetError("flaky", retryableFailure("agent unavailable"))

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(step), api.Args{},
		)

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionFailed, st.Status)
		assert.Equal(t, api.StepFailed, st.Step("flaky").Status)

		// max_attempts bounds total attempts, not retries after the first
		assert.Equal(t, 3, st.Step("flaky").Attempts)
		assert.Equal(t, 3, env.Gateway.DispatchCount("flaky"))
	})
}

func TestRetryEventualSuccess(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		step := helpers.NewAgentStep("flaky")
		step.Retry = &api.RetryPolicy{
			MaxAttempts: 5,
			BackoffMs:   10,
			BackoffType: api.BackoffTypeFixed,
		}
		env.Gateway.SetError("flaky", retryableFailure("agent unavailable"))

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(step), api.Args{},
		)

		assert.True(t,
			env.Gateway.WaitForDispatch("flaky", executionTimeout))
		env.Gateway.ClearError("flaky")

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionCompleted, st.Status)
		assert.Greater(t, st.Step("flaky").Attempts, 1)
	})
}

func TestNonRetryableFailureSkipsBackoff(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		step := helpers.NewAgentStep("strict")
		step.Retry = &api.RetryPolicy{MaxAttempts: 5, BackoffMs: 10}
		env.Gateway.SetError("strict", errors.New("malformed request"))

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(step), api.Args{},
		)

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionFailed, st.Status)
		assert.Equal(t, 1, env.Gateway.DispatchCount("strict"))
	})
}

func TestErrorBoundarySkip(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		optional := helpers.NewAgentStep("optional")
		optional.Retry = &api.RetryPolicy{
			MaxAttempts: 1,
			BackoffMs:   10,
		}
		optional.OnError = &api.ErrorPolicy{OnError: api.OnErrorSkip}
		after := helpers.NewAgentStep("after", "optional")

		env.Gateway.SetError("optional", retryableFailure("down"))

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(optional, after), api.Args{},
		)

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionCompleted, st.Status)
		assert.Equal(t, api.StepSkipped, st.Step("optional").Status)
		assert.Equal(t, api.StepCompleted, st.Step("after").Status)
	})
}

func TestErrorBoundaryRetryIsOneShot(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		step := helpers.NewAgentStep("stubborn")
		step.Retry = &api.RetryPolicy{
			MaxAttempts: 2,
			BackoffMs:   10,
			BackoffType: api.BackoffTypeFixed,
		}
		step.OnError = &api.ErrorPolicy{OnError: api.OnErrorRetry}
		env.Gateway.SetError("stubborn", retryableFailure("still down"))

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(step), api.Args{},
		)

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionFailed, st.Status)

		// Two rounds of two attempts: the boundary reset fires only once
		assert.Equal(t, 4, env.Gateway.DispatchCount("stubborn"))
		assert.True(t, st.Step("stubborn").PolicyReset)
	})
}
