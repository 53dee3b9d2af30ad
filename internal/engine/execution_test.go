package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/kode4food/timebox"
	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/internal/assert/helpers"
	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/pkg/api"
)

const executionTimeout = 10 * time.Second

func TestSequentialExecution(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		a := helpers.NewAgentStep("a")
		b := helpers.NewAgentStep("b", "a")
		env.Gateway.SetOutput("a", api.Args{"result": "alpha"})
		env.Gateway.SetOutput("b", api.Args{"result": "beta"})

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(a, b), api.Args{},
		)

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionCompleted, st.Status)
		assert.Equal(t, api.StepCompleted, st.Step("a").Status)
		assert.Equal(t, api.StepCompleted, st.Step("b").Status)

		// b completed strictly after a
		assert.Greater(t,
			st.Step("b").CompletedSeq, st.Step("a").CompletedSeq)

		dispatches := env.Gateway.Dispatches()
		assert.Equal(t, []api.StepID{"a", "b"}, dispatches)
	})
}

func TestExecutionEventOrder(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		a := helpers.NewAgentStep("a")
		b := helpers.NewAgentStep("b", "a")

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(a, b), api.Args{},
		)
		env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)

		evs, err := env.Engine.ListExecutionEvents(ctx, execID)
		assert.NoError(t, err)
		assert.NotEmpty(t, evs)

		types := make([]timebox.EventType, len(evs))
		for i, ev := range evs {
			types[i] = ev.Type
		}
		assert.Equal(t,
			timebox.EventType(api.EventTypeProcessStarted), types[0])
		assert.Equal(t,
			timebox.EventType(api.EventTypeProcessCompleted),
			types[len(types)-1])

		completed := 0
		for _, et := range types {
			if et == timebox.EventType(api.EventTypeStepCompleted) {
				completed++
			}
		}
		assert.Equal(t, 2, completed)
	})
}

func TestExpressionWiring(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		a := helpers.NewAgentStep("a")
		b := helpers.NewAgentStep("b", "a")
		b.AgentTask.Message = "summarize ${a.result}"
		env.Gateway.SetOutput("a", api.Args{"result": "alpha"})

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(a, b), api.Args{},
		)

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionCompleted, st.Status)

		calls := env.Gateway.Calls()
		assert.Len(t, calls, 2)
		assert.Equal(t, "summarize alpha", calls[1].Message)
	})
}

func TestParallelStepsBothRun(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		a := helpers.NewAgentStep("a")
		b := helpers.NewAgentStep("b")
		join := helpers.NewNotificationStep("join", "a", "b")

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(a, b, join), api.Args{},
		)

		st := env.WaitForExecutionStatus(t, ctx, execID, executionTimeout)
		assert.Equal(t, api.ExecutionCompleted, st.Status)
		assert.True(t, env.Gateway.WasDispatched("a"))
		assert.True(t, env.Gateway.WasDispatched("b"))
		assert.Len(t, env.Notifier.Sent(), 1)
	})
}

func TestStartUnpublishedDefinition(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		saved, err := env.Engine.SaveDefinition(
			ctx, helpers.NewTestProcess(helpers.NewAgentStep("a")),
		)
		assert.NoError(t, err)

		_, err = env.Engine.StartExecution(
			ctx, saved.ID, saved.Version, "test", api.Args{},
		)
		assert.ErrorIs(t, err, engine.ErrDefinitionNotRunnable)
	})
}

func TestCancelExecution(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		approve := helpers.NewApprovalStep("approve")
		after := helpers.NewAgentStep("after", "approve")

		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(approve, after), api.Args{},
		)
		env.WaitForStepWaiting(t, ctx, execID, "approve", executionTimeout)

		waiter := env.SubscribeToExecutionStatus(execID)
		assert.NoError(t,
			env.Engine.CancelExecution(ctx, execID, "operator request"))

		st := waiter.Wait(t, ctx, executionTimeout)
		assert.Equal(t, api.ExecutionCancelled, st.Status)
		assert.Equal(t, api.StepSkipped, st.Step("approve").Status)
		assert.Equal(t, api.StepSkipped, st.Step("after").Status)
		assert.False(t, env.Gateway.WasDispatched("after"))

		pending, err := env.Engine.PendingApprovals(ctx, execID)
		assert.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestCancelledExecutionRejectsDecisions(t *testing.T) {
	helpers.WithStartedEnv(t, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()

		approve := helpers.NewApprovalStep("approve")
		execID := env.StartProcess(
			t, ctx, helpers.NewTestProcess(approve), api.Args{},
		)
		env.WaitForStepWaiting(t, ctx, execID, "approve", executionTimeout)

		waiter := env.SubscribeToExecutionStatus(execID)
		assert.NoError(t, env.Engine.CancelExecution(ctx, execID, "stop"))
		waiter.Wait(t, ctx, executionTimeout)

		err := env.Engine.RecordApprovalDecision(
			ctx, execID, "approve", api.ApprovalApproved, "alice", "",
		)
		assert.ErrorIs(t, err, engine.ErrStepNotWaiting)
	})
}
