package helpers

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/pkg/api"
)

// NewAgentStep creates an agent task step depending on the given steps
func NewAgentStep(id api.StepID, deps ...api.StepID) *api.StepDefinition {
	return &api.StepDefinition{
		ID:   id,
		Name: "Agent " + string(id),
		Type: api.StepTypeAgentTask,
		AgentTask: &api.AgentTaskConfig{
			Agent:   "test-agent",
			Message: "run " + string(id),
		},
		DependsOn: deps,
	}
}

// NewApprovalStep creates a human approval step depending on the given steps
func NewApprovalStep(id api.StepID, deps ...api.StepID) *api.StepDefinition {
	return &api.StepDefinition{
		ID:   id,
		Name: "Approve " + string(id),
		Type: api.StepTypeHumanApproval,
		Approval: &api.HumanApprovalConfig{
			Approvers: []string{"reviewer"},
			Prompt:    "approve " + string(id),
		},
		DependsOn: deps,
	}
}

// NewGatewayStep creates a gateway step with the given branches
func NewGatewayStep(
	id api.StepID, branches []*api.GatewayBranch, deps ...api.StepID,
) *api.StepDefinition {
	return &api.StepDefinition{
		ID:        id,
		Name:      "Gateway " + string(id),
		Type:      api.StepTypeGateway,
		Gateway:   &api.GatewayConfig{Branches: branches},
		DependsOn: deps,
	}
}

// NewTimerStep creates a timer step with the given delay
func NewTimerStep(
	id api.StepID, delay api.Seconds, deps ...api.StepID,
) *api.StepDefinition {
	return &api.StepDefinition{
		ID:        id,
		Name:      "Timer " + string(id),
		Type:      api.StepTypeTimer,
		Timer:     &api.TimerConfig{Delay: delay},
		DependsOn: deps,
	}
}

// NewNotificationStep creates a notification step depending on the given
// steps
func NewNotificationStep(
	id api.StepID, deps ...api.StepID,
) *api.StepDefinition {
	return &api.StepDefinition{
		ID:   id,
		Name: "Notify " + string(id),
		Type: api.StepTypeNotification,
		Notification: &api.NotificationConfig{
			Channel: "log",
			Message: "done " + string(id),
		},
		Roles:     &api.StepRoles{Informed: []string{"ops"}},
		DependsOn: deps,
	}
}

// NewTestProcess creates a draft process definition from the given steps
func NewTestProcess(steps ...*api.StepDefinition) *api.ProcessDefinition {
	return &api.ProcessDefinition{
		Name:  "test-process-" + uuid.NewString()[:8],
		Steps: steps,
	}
}

// PublishProcess saves and publishes a definition, returning the stored copy
func (e *TestEngineEnv) PublishProcess(
	t *testing.T, ctx context.Context, def *api.ProcessDefinition,
) *api.ProcessDefinition {
	t.Helper()

	saved, err := e.Engine.SaveDefinition(ctx, def)
	require.NoError(t, err)
	require.NoError(t,
		e.Engine.PublishDefinition(ctx, saved.ID, saved.Version))
	return saved
}

// StartProcess publishes a definition and starts one execution of it
func (e *TestEngineEnv) StartProcess(
	t *testing.T, ctx context.Context, def *api.ProcessDefinition,
	input api.Args,
) api.ExecutionID {
	t.Helper()

	saved := e.PublishProcess(t, ctx, def)
	execID, err := e.Engine.StartExecution(
		ctx, saved.ID, saved.Version, "test", input,
	)
	require.NoError(t, err)
	return execID
}
