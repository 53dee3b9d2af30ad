package assert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/internal/config"
	"github.com/gantryio/gantry/pkg/api"
)

type (
	// Wrapper wraps testify assertions with Gantry-specific helpers
	Wrapper struct {
		*testing.T
		*assert.Assertions
	}
)

// DefaultRetryInterval is the default polling interval for Eventually checks
const DefaultRetryInterval = 25 * time.Millisecond

// New creates a new test assertion wrapper with Gantry-specific helpers
func New(t *testing.T) *Wrapper {
	return &Wrapper{
		T:          t,
		Assertions: assert.New(t),
	}
}

// StepValid asserts that a step definition is valid
func (w *Wrapper) StepValid(s *api.StepDefinition) {
	w.Helper()
	w.NoError(s.Validate())
	w.NotEmpty(s.ID)

	switch s.Type {
	case api.StepTypeAgentTask:
		w.NotNil(s.AgentTask, "agent_task steps should have AgentTaskConfig")
	case api.StepTypeHumanApproval:
		w.NotNil(s.Approval,
			"human_approval steps should have HumanApprovalConfig")
	case api.StepTypeGateway:
		w.NotNil(s.Gateway, "gateway steps should have GatewayConfig")
	case api.StepTypeTimer:
		w.NotNil(s.Timer, "timer steps should have TimerConfig")
	case api.StepTypeNotification:
		w.NotNil(s.Notification,
			"notification steps should have NotificationConfig")
	}
}

// StepInvalid asserts that a step definition is invalid and returns the
// validation error
func (w *Wrapper) StepInvalid(
	s *api.StepDefinition, expectedErrorContains string,
) error {
	w.Helper()
	err := s.Validate()
	w.Error(err)
	if err != nil && expectedErrorContains != "" {
		w.Contains(err.Error(), expectedErrorContains)
	}
	return err
}

// ExecutionStatus asserts the status of an execution
func (w *Wrapper) ExecutionStatus(
	st *api.ExecutionState, expected api.ExecutionStatus,
) {
	w.Helper()
	w.Equal(expected, st.Status)
}

// StepStatus asserts the status of a step within an execution
func (w *Wrapper) StepStatus(
	st *api.ExecutionState, id api.StepID, expected api.StepStatus,
) {
	w.Helper()
	ss := st.Step(id)
	w.NotNil(ss, "execution should have step: %s", id)
	if ss != nil {
		w.Equal(expected, ss.Status)
	}
}

// StepAttempts asserts the attempt count recorded for a step
func (w *Wrapper) StepAttempts(
	st *api.ExecutionState, id api.StepID, expected int,
) {
	w.Helper()
	ss := st.Step(id)
	w.NotNil(ss, "execution should have step: %s", id)
	if ss != nil {
		w.Equal(expected, ss.Attempts)
	}
}

// ConfigValid asserts that a configuration is valid
func (w *Wrapper) ConfigValid(cfg *config.Config) {
	w.Helper()
	w.NoError(cfg.Validate())
	w.True(cfg.APIPort > 0 && cfg.APIPort <= config.MaxTCPPort)
	w.True(cfg.StepTimeout > 0)
}

// ConfigInvalid asserts that a configuration is invalid
func (w *Wrapper) ConfigInvalid(cfg *config.Config, contains string) {
	w.Helper()
	err := cfg.Validate()
	w.Error(err)
	if contains != "" {
		w.Contains(err.Error(), contains)
	}
}

// Eventually runs a condition repeatedly until it passes or times out
func (w *Wrapper) Eventually(
	condition func() bool, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(DefaultRetryInterval)
	}
	w.Fail(msg, args...)
}

// EventuallyWithError runs a condition that returns an error until it
// succeeds or times out
func (w *Wrapper) EventuallyWithError(
	condition func() error, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		err := condition()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(DefaultRetryInterval)
	}
	if lastErr != nil {
		w.Fail(msg+": last error: "+lastErr.Error(), args...)
		return
	}
	w.Fail(msg, args...)
}
