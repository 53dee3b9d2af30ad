package handler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/approval"
	"github.com/gantryio/gantry/internal/expr"
	"github.com/gantryio/gantry/internal/gateway"
	"github.com/gantryio/gantry/internal/handler"
	"github.com/gantryio/gantry/internal/notify"
	"github.com/gantryio/gantry/pkg/api"
)

type mockGateway struct {
	result *gateway.Result
	err    error
	calls  int
}

func (m *mockGateway) Dispatch(
	_ context.Context, _ *gateway.Request,
) (*gateway.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockNotifier struct {
	sent []*notify.Notification
	err  error
}

func (m *mockNotifier) Notify(
	_ context.Context, n *notify.Notification,
) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

func stepContext(
	t *testing.T, step *api.StepDefinition, outputs map[api.StepID]api.Args,
) *handler.StepContext {
	def := &api.ProcessDefinition{
		ID:    api.NewProcessID(),
		Name:  "handler-test",
		Steps: []*api.StepDefinition{step},
	}
	for id := range outputs {
		def.Steps = append(def.Steps, &api.StepDefinition{
			ID: id, Name: string(id), Type: api.StepTypeAgentTask,
		})
	}
	eval, err := expr.NewContext(def, outputs)
	require.NoError(t, err)

	return &handler.StepContext{
		Execution: &api.ExecutionState{
			ID:     "exec-1",
			Status: api.ExecutionRunning,
		},
		Step:    step,
		State:   &api.StepState{Status: api.StepRunning},
		Eval:    eval,
		Timeout: time.Second,
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := handler.Registry{}
	reg.Register(api.StepTypeTimer, handler.NewTimerHandler())

	h, err := reg.Lookup(api.StepTypeTimer)
	assert.NoError(t, err)
	assert.NotNil(t, h)

	_, err = reg.Lookup(api.StepTypeAgentTask)
	assert.ErrorIs(t, err, handler.ErrNoHandler)
}

func TestRegistryResumable(t *testing.T) {
	reg := handler.Registry{}
	reg.Register(api.StepTypeTimer, handler.NewTimerHandler())
	reg.Register(api.StepTypeGateway, handler.NewGatewayHandler())
	reg.Register(api.StepTypeAgentTask,
		handler.NewAgentTaskHandler(&mockGateway{}))

	assert.True(t, reg.IsResumable(api.StepTypeTimer))
	assert.True(t, reg.IsResumable(api.StepTypeGateway))
	assert.False(t, reg.IsResumable(api.StepTypeAgentTask))
	assert.False(t, reg.IsResumable(api.StepTypeNotification))
}

func TestAgentTaskSuccess(t *testing.T) {
	gw := &mockGateway{result: &gateway.Result{
		Output: api.Args{"summary": "done"},
		Cost:   mustMoney(t, "0.25"),
		Tokens: api.TokenUsage{Input: 100, Output: 50},
	}}
	h := handler.NewAgentTaskHandler(gw)

	sc := stepContext(t, &api.StepDefinition{
		ID:   "task",
		Type: api.StepTypeAgentTask,
		AgentTask: &api.AgentTaskConfig{
			Agent:   "researcher",
			Message: "summarize ${fetch.title}",
		},
	}, map[api.StepID]api.Args{
		"fetch": {"title": "Q3 Report"},
	})

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeSuccess, out.Kind)
	assert.Equal(t, "done", out.Output["summary"])
	assert.Equal(t, int64(150), out.Tokens.Total())
	assert.Equal(t, 1, gw.calls)
}

func TestAgentTaskRetryableFailure(t *testing.T) {
	gw := &mockGateway{err: &gateway.AgentTaskError{
		Err:       errors.New("agent unavailable"),
		Retryable: true,
	}}
	h := handler.NewAgentTaskHandler(gw)

	sc := stepContext(t, &api.StepDefinition{
		ID:   "task",
		Type: api.StepTypeAgentTask,
		AgentTask: &api.AgentTaskConfig{
			Agent:   "researcher",
			Message: "go",
		},
	}, nil)

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeFailure, out.Kind)
	assert.True(t, out.Retryable)
}

func TestAgentTaskExpressionFailureIsTerminal(t *testing.T) {
	h := handler.NewAgentTaskHandler(&mockGateway{})

	sc := stepContext(t, &api.StepDefinition{
		ID:   "task",
		Type: api.StepTypeAgentTask,
		AgentTask: &api.AgentTaskConfig{
			Agent:   "researcher",
			Message: "use ${ghost.value}",
		},
	}, nil)

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeFailure, out.Kind)
	assert.False(t, out.Retryable)
	assert.ErrorIs(t, out.Err, expr.ErrUnknownStep)
}

func TestGatewaySelectsMatchingBranch(t *testing.T) {
	h := handler.NewGatewayHandler()

	sc := stepContext(t, &api.StepDefinition{
		ID:   "route",
		Type: api.StepTypeGateway,
		Gateway: &api.GatewayConfig{
			Branches: []*api.GatewayBranch{
				{When: `${check.ok} == "yes"`, Steps: []api.StepID{"publish"}},
				{Steps: []api.StepID{"revise"}},
			},
		},
	}, map[api.StepID]api.Args{
		"check": {"ok": "yes"},
	})

	out := h.Execute(context.Background(), sc)
	require.Equal(t, handler.OutcomeSuccess, out.Kind)

	selected, skipped := handler.SelectedSteps(out.Output)
	assert.Equal(t, []api.StepID{"publish"}, selected)
	assert.Equal(t, []api.StepID{"revise"}, skipped)
}

func TestGatewayFallsBackToDefaultBranch(t *testing.T) {
	h := handler.NewGatewayHandler()

	sc := stepContext(t, &api.StepDefinition{
		ID:   "route",
		Type: api.StepTypeGateway,
		Gateway: &api.GatewayConfig{
			Branches: []*api.GatewayBranch{
				{When: `${check.ok} == "yes"`, Steps: []api.StepID{"publish"}},
				{Steps: []api.StepID{"revise"}},
			},
		},
	}, map[api.StepID]api.Args{
		"check": {"ok": "no"},
	})

	out := h.Execute(context.Background(), sc)
	require.Equal(t, handler.OutcomeSuccess, out.Kind)

	selected, skipped := handler.SelectedSteps(out.Output)
	assert.Equal(t, []api.StepID{"revise"}, selected)
	assert.Equal(t, []api.StepID{"publish"}, skipped)
}

func TestGatewayDeterministicOverRepeats(t *testing.T) {
	h := handler.NewGatewayHandler()

	sc := stepContext(t, &api.StepDefinition{
		ID:   "route",
		Type: api.StepTypeGateway,
		Gateway: &api.GatewayConfig{
			Branches: []*api.GatewayBranch{
				{When: "${check.ok}", Steps: []api.StepID{"publish"}},
				{Steps: []api.StepID{"revise"}},
			},
		},
	}, map[api.StepID]api.Args{
		"check": {"ok": true},
	})

	first := h.Execute(context.Background(), sc)
	require.Equal(t, handler.OutcomeSuccess, first.Kind)
	for range 5 {
		again := h.Execute(context.Background(), sc)
		assert.Equal(t, first.Output, again.Output)
	}
}

func TestGatewayNoBranchMatched(t *testing.T) {
	h := handler.NewGatewayHandler()

	sc := stepContext(t, &api.StepDefinition{
		ID:   "route",
		Type: api.StepTypeGateway,
		Gateway: &api.GatewayConfig{
			Branches: []*api.GatewayBranch{
				{When: `${check.ok} == "yes"`, Steps: []api.StepID{"publish"}},
			},
		},
	}, map[api.StepID]api.Args{
		"check": {"ok": "no"},
	})

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeFailure, out.Kind)
	assert.ErrorIs(t, out.Err, handler.ErrNoBranchMatched)
}

func TestTimerSuspendsUntilDue(t *testing.T) {
	h := handler.NewTimerHandler()

	sc := stepContext(t, &api.StepDefinition{
		ID:    "wait",
		Type:  api.StepTypeTimer,
		Timer: &api.TimerConfig{Delay: 60},
	}, nil)

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeSuspend, out.Kind)
	assert.Equal(t, handler.ReasonTimer, out.Reason)
	assert.False(t, out.ResumeAt.IsZero())
}

func TestTimerCompletesAfterDue(t *testing.T) {
	h := handler.NewTimerHandler()

	sc := stepContext(t, &api.StepDefinition{
		ID:    "wait",
		Type:  api.StepTypeTimer,
		Timer: &api.TimerConfig{Delay: 60},
	}, nil)
	sc.State = &api.StepState{
		Status:   api.StepWaiting,
		ResumeAt: time.Now().Add(-time.Second),
	}

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeSuccess, out.Kind)
}

func TestNotificationDelivers(t *testing.T) {
	n := &mockNotifier{}
	h := handler.NewNotificationHandler(n)

	sc := stepContext(t, &api.StepDefinition{
		ID:   "announce",
		Type: api.StepTypeNotification,
		Notification: &api.NotificationConfig{
			Message: "report ${fetch.title} is ready",
			Channel: "slack",
		},
		Roles: &api.StepRoles{
			Executor: "writer",
			Informed: []string{"finance-lead"},
		},
	}, map[api.StepID]api.Args{
		"fetch": {"title": "Q3 Report"},
	})

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeSuccess, out.Kind)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "report Q3 Report is ready", n.sent[0].Message)
	assert.Equal(t, []string{"writer", "finance-lead"}, n.sent[0].Recipients)
}

func TestNotificationChannelErrorIsRetryable(t *testing.T) {
	n := &mockNotifier{err: errors.New("channel down")}
	h := handler.NewNotificationHandler(n)

	sc := stepContext(t, &api.StepDefinition{
		ID:   "announce",
		Type: api.StepTypeNotification,
		Notification: &api.NotificationConfig{
			Message: "hello",
		},
	}, nil)

	out := h.Execute(context.Background(), sc)
	assert.Equal(t, handler.OutcomeFailure, out.Kind)
	assert.True(t, out.Retryable)
}

func TestApprovalLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := approval.New(client, "gantry")
	h := handler.NewHumanApprovalHandler(store)
	ctx := context.Background()

	sc := stepContext(t, &api.StepDefinition{
		ID:   "signoff",
		Type: api.StepTypeHumanApproval,
		Approval: &api.HumanApprovalConfig{
			Approvers: []string{"finance-lead"},
			Prompt:    "approve?",
		},
	}, nil)

	// First attempt creates the request and suspends
	out := h.Execute(ctx, sc)
	assert.Equal(t, handler.OutcomeSuspend, out.Kind)
	assert.Equal(t, handler.ReasonApproval, out.Reason)

	pending, err := store.GetPending(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Re-entry before a decision suspends again
	out = h.Execute(ctx, sc)
	assert.Equal(t, handler.OutcomeSuspend, out.Kind)

	_, err = store.RecordDecision(
		ctx, "exec-1", "signoff", api.ApprovalApproved, "alex", "lgtm",
	)
	require.NoError(t, err)

	out = h.Execute(ctx, sc)
	assert.Equal(t, handler.OutcomeSuccess, out.Kind)
	assert.Equal(t, true, out.Output["approved"])
	assert.Equal(t, "alex", out.Output["decided_by"])
}

func TestApprovalRejection(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := approval.New(client, "gantry")
	h := handler.NewHumanApprovalHandler(store)
	ctx := context.Background()

	sc := stepContext(t, &api.StepDefinition{
		ID:   "signoff",
		Type: api.StepTypeHumanApproval,
		Approval: &api.HumanApprovalConfig{
			Approvers: []string{"finance-lead"},
			Prompt:    "approve?",
		},
	}, nil)

	out := h.Execute(ctx, sc)
	require.Equal(t, handler.OutcomeSuspend, out.Kind)

	_, err := store.RecordDecision(
		ctx, "exec-1", "signoff", api.ApprovalRejected, "alex", "not ready",
	)
	require.NoError(t, err)

	out = h.Execute(ctx, sc)
	assert.Equal(t, handler.OutcomeFailure, out.Kind)
	assert.False(t, out.Retryable)
	assert.ErrorIs(t, out.Err, handler.ErrApprovalRejected)
}

func TestApprovalTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := approval.New(client, "gantry")
	h := handler.NewHumanApprovalHandler(store)
	ctx := context.Background()

	sc := stepContext(t, &api.StepDefinition{
		ID:   "signoff",
		Type: api.StepTypeHumanApproval,
		Approval: &api.HumanApprovalConfig{
			Approvers: []string{"finance-lead"},
			Prompt:    "approve?",
			Timeout:   300,
		},
	}, nil)

	out := h.Execute(ctx, sc)
	require.Equal(t, handler.OutcomeSuspend, out.Kind)
	assert.False(t, out.ResumeAt.IsZero())

	// Past the recorded resume time with no decision
	sc.State = &api.StepState{
		Status:   api.StepWaiting,
		ResumeAt: time.Now().Add(-time.Minute),
	}
	out = h.Execute(ctx, sc)
	assert.Equal(t, handler.OutcomeFailure, out.Kind)
	assert.ErrorIs(t, out.Err, handler.ErrApprovalTimedOut)
}

func mustMoney(t *testing.T, s string) api.Money {
	m, err := api.MoneyFromString(s, "USD")
	require.NoError(t, err)
	return m
}
