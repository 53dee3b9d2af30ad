package api

import (
	"errors"
	"fmt"
	"slices"
)

type (
	// StepType identifies the kind of work a step performs
	StepType string

	// OnErrorAction selects the error-boundary behavior for a failed step
	OnErrorAction string

	// Args is a free-form payload of named values
	Args map[string]any

	// Metadata carries execution metadata passed to handlers
	Metadata map[string]any

	// StepDefinition describes one step of a process definition
	StepDefinition struct {
		AgentTask    *AgentTaskConfig     `json:"agent_task,omitempty"`
		Approval     *HumanApprovalConfig `json:"approval,omitempty"`
		Gateway      *GatewayConfig       `json:"gateway,omitempty"`
		Timer        *TimerConfig         `json:"timer,omitempty"`
		Notification *NotificationConfig  `json:"notification,omitempty"`
		Retry        *RetryPolicy         `json:"retry,omitempty"`
		OnError      *ErrorPolicy         `json:"on_error,omitempty"`
		Compensation *CompensationConfig  `json:"compensation,omitempty"`
		Roles        *StepRoles           `json:"roles,omitempty"`
		ID           StepID               `json:"id"`
		Name         string               `json:"name,omitempty"`
		Type         StepType             `json:"type"`
		DependsOn    []StepID             `json:"depends_on,omitempty"`
	}

	// AgentTaskConfig configures dispatch to an external agent
	AgentTaskConfig struct {
		Agent   string  `json:"agent" validate:"required"`
		Message string  `json:"message" validate:"required"`
		Timeout Seconds `json:"timeout,omitempty" validate:"gte=0"`
	}

	// HumanApprovalConfig configures a human-in-the-loop approval step
	HumanApprovalConfig struct {
		Approvers []string `json:"approvers" validate:"required,min=1"`
		Prompt    string   `json:"prompt" validate:"required"`
		Timeout   Seconds  `json:"timeout,omitempty" validate:"gte=0"`
	}

	// GatewayConfig configures conditional branch selection
	GatewayConfig struct {
		Branches []*GatewayBranch `json:"branches" validate:"required,min=1,dive,required"`
	}

	// GatewayBranch pairs a boolean condition with the downstream steps it
	// enables. An empty condition is the default branch, selected when no
	// other branch matches.
	GatewayBranch struct {
		When  string   `json:"when,omitempty"`
		Steps []StepID `json:"steps" validate:"required,min=1"`
	}

	// TimerConfig configures a delay step
	TimerConfig struct {
		Delay Seconds `json:"delay" validate:"gte=0"`
	}

	// NotificationConfig configures a notification step
	NotificationConfig struct {
		Message string `json:"message" validate:"required"`
		Channel string `json:"channel,omitempty"`
	}

	// RetryPolicy bounds re-attempts of a failed step
	RetryPolicy struct {
		MaxAttempts  int    `json:"max_attempts" validate:"gte=1"`
		BackoffMs    int64  `json:"backoff_ms,omitempty" validate:"gte=0"`
		MaxBackoffMs int64  `json:"max_backoff_ms,omitempty" validate:"gte=0"`
		BackoffType  string `json:"backoff_type,omitempty"`
	}

	// ErrorPolicy selects what happens when retries are exhausted or the
	// failure is not retryable
	ErrorPolicy struct {
		OnError OnErrorAction `json:"on_error" validate:"required"`
	}

	// CompensationConfig describes the undo action run for a completed step
	// during saga-style rollback
	CompensationConfig struct {
		Agent   string `json:"agent" validate:"required"`
		Message string `json:"message" validate:"required"`
	}

	// StepRoles assigns executor/monitor/informed identities to a step for
	// targeted notification fan-out
	StepRoles struct {
		Executor string   `json:"executor,omitempty"`
		Monitors []string `json:"monitors,omitempty"`
		Informed []string `json:"informed,omitempty"`
	}
)

const (
	StepTypeAgentTask     StepType = "agent_task"
	StepTypeHumanApproval StepType = "human_approval"
	StepTypeGateway       StepType = "gateway"
	StepTypeTimer         StepType = "timer"
	StepTypeNotification  StepType = "notification"
)

const (
	OnErrorRetry         OnErrorAction = "retry"
	OnErrorSkip          OnErrorAction = "skip"
	OnErrorFailExecution OnErrorAction = "fail_execution"
	OnErrorCompensate    OnErrorAction = "compensate"
)

const (
	BackoffTypeFixed       = "fixed"
	BackoffTypeExponential = "exponential"
)

var (
	ErrInvalidStepType      = errors.New("invalid step type")
	ErrInvalidOnErrorAction = errors.New("invalid on_error action")
	ErrInvalidBackoffType   = errors.New("invalid backoff type")
	ErrMaxBackoffTooSmall   = errors.New("max_backoff_ms must be >= backoff_ms")
	ErrConfigRequired       = errors.New("step type config required")
	ErrConfigMismatched     = errors.New("step config does not match type")
	ErrSelfDependency       = errors.New("step depends on itself")
)

var validStepTypes = []StepType{
	StepTypeAgentTask,
	StepTypeHumanApproval,
	StepTypeGateway,
	StepTypeTimer,
	StepTypeNotification,
}

var validOnErrorActions = []OnErrorAction{
	OnErrorRetry,
	OnErrorSkip,
	OnErrorFailExecution,
	OnErrorCompensate,
}

// Validate checks structural correctness of a single step definition. Graph
// properties across steps (dangling references, cycles) are checked by the
// dependency resolver.
func (s *StepDefinition) Validate() error {
	if err := s.ID.Validate(); err != nil {
		return err
	}

	if !slices.Contains(validStepTypes, s.Type) {
		return fmt.Errorf("%w: %s", ErrInvalidStepType, s.Type)
	}

	if slices.Contains(s.DependsOn, s.ID) {
		return fmt.Errorf("%w: %s", ErrSelfDependency, s.ID)
	}

	if err := s.validateConfig(); err != nil {
		return err
	}

	if s.OnError != nil &&
		!slices.Contains(validOnErrorActions, s.OnError.OnError) {
		return fmt.Errorf("%w: %s", ErrInvalidOnErrorAction, s.OnError.OnError)
	}

	return s.validateRetry()
}

func (s *StepDefinition) validateConfig() error {
	var config any
	switch s.Type {
	case StepTypeAgentTask:
		config = valueOrNil(s.AgentTask)
	case StepTypeHumanApproval:
		config = valueOrNil(s.Approval)
	case StepTypeGateway:
		config = valueOrNil(s.Gateway)
	case StepTypeTimer:
		config = valueOrNil(s.Timer)
	case StepTypeNotification:
		config = valueOrNil(s.Notification)
	}
	if config == nil {
		return fmt.Errorf("%w: %s needs %s config",
			ErrConfigRequired, s.ID, s.Type)
	}

	configured := 0
	for _, c := range []any{
		valueOrNil(s.AgentTask), valueOrNil(s.Approval),
		valueOrNil(s.Gateway), valueOrNil(s.Timer),
		valueOrNil(s.Notification),
	} {
		if c != nil {
			configured++
		}
	}
	if configured != 1 {
		return fmt.Errorf("%w: %s", ErrConfigMismatched, s.ID)
	}
	return nil
}

func (s *StepDefinition) validateRetry() error {
	if s.Retry == nil {
		return nil
	}
	if s.Retry.BackoffType != "" &&
		s.Retry.BackoffType != BackoffTypeFixed &&
		s.Retry.BackoffType != BackoffTypeExponential {
		return fmt.Errorf("%w: %s", ErrInvalidBackoffType, s.Retry.BackoffType)
	}
	if s.Retry.MaxBackoffMs != 0 && s.Retry.MaxBackoffMs < s.Retry.BackoffMs {
		return ErrMaxBackoffTooSmall
	}
	return nil
}

// Equal reports whether two step definitions describe the same work
func (s *StepDefinition) Equal(other *StepDefinition) bool {
	if s.ID != other.ID || s.Name != other.Name || s.Type != other.Type {
		return false
	}
	if !slices.Equal(s.DependsOn, other.DependsOn) {
		return false
	}
	if !s.AgentTask.Equal(other.AgentTask) {
		return false
	}
	if !s.Approval.Equal(other.Approval) {
		return false
	}
	if !s.Gateway.Equal(other.Gateway) {
		return false
	}
	if !s.Timer.Equal(other.Timer) {
		return false
	}
	if !s.Notification.Equal(other.Notification) {
		return false
	}
	if !s.Retry.Equal(other.Retry) {
		return false
	}
	if !s.OnError.Equal(other.OnError) {
		return false
	}
	if !s.Compensation.Equal(other.Compensation) {
		return false
	}
	return s.Roles.Equal(other.Roles)
}

func (c *AgentTaskConfig) Equal(other *AgentTaskConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Agent == other.Agent &&
		c.Message == other.Message &&
		c.Timeout == other.Timeout
}

func (c *HumanApprovalConfig) Equal(other *HumanApprovalConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return slices.Equal(c.Approvers, other.Approvers) &&
		c.Prompt == other.Prompt &&
		c.Timeout == other.Timeout
}

func (c *GatewayConfig) Equal(other *GatewayConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return slices.EqualFunc(c.Branches, other.Branches,
		func(l, r *GatewayBranch) bool {
			return l.When == r.When && slices.Equal(l.Steps, r.Steps)
		},
	)
}

func (c *TimerConfig) Equal(other *TimerConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Delay == other.Delay
}

func (c *NotificationConfig) Equal(other *NotificationConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Message == other.Message && c.Channel == other.Channel
}

func (p *RetryPolicy) Equal(other *RetryPolicy) bool {
	if p == nil || other == nil {
		return p == other
	}
	return *p == *other
}

func (p *ErrorPolicy) Equal(other *ErrorPolicy) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.OnError == other.OnError
}

func (c *CompensationConfig) Equal(other *CompensationConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}

func (r *StepRoles) Equal(other *StepRoles) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Executor == other.Executor &&
		slices.Equal(r.Monitors, other.Monitors) &&
		slices.Equal(r.Informed, other.Informed)
}

// Recipients returns the identities addressed by this step's roles
func (r *StepRoles) Recipients() []string {
	if r == nil {
		return nil
	}
	var res []string
	if r.Executor != "" {
		res = append(res, r.Executor)
	}
	res = append(res, r.Monitors...)
	res = append(res, r.Informed...)
	return res
}

func valueOrNil[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}
