package api

import "time"

type (
	// EventType names a domain event kind
	EventType string

	// ProcessStartedEvent begins an execution. It carries the full
	// definition snapshot so replay and recovery never consult a mutable
	// registry.
	ProcessStartedEvent struct {
		Definition  *ProcessDefinition `json:"definition"`
		Input       Args               `json:"input,omitempty"`
		ExecutionID ExecutionID        `json:"execution_id"`
		ProcessID   ProcessID          `json:"process_id"`
		TriggeredBy string             `json:"triggered_by,omitempty"`
	}

	// ProcessCompletedEvent is emitted when every step settles without an
	// unrecovered failure
	ProcessCompletedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
	}

	// ProcessFailedEvent carries the terminal failure detail
	ProcessFailedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id,omitempty"`
		Error       string      `json:"error"`
	}

	// ProcessCancelledEvent settles an execution as cancelled; pending
	// steps are skipped by its applier
	ProcessCancelledEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		Reason      string      `json:"reason,omitempty"`
	}

	// StepStartedEvent marks a step attempt as running. Resume is set when
	// the recovery service re-enters an idempotent handler without counting
	// a new attempt.
	StepStartedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Resume      bool        `json:"resume,omitempty"`
	}

	// StepCompletedEvent carries output, cost, and duration
	StepCompletedEvent struct {
		Output      Args        `json:"output,omitempty"`
		OutputRef   OutputPath  `json:"output_ref,omitempty"`
		Cost        Money       `json:"cost"`
		Tokens      TokenUsage  `json:"tokens"`
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		DurationSec Seconds     `json:"duration_sec"`
	}

	// StepFailedEvent settles a step as failed
	StepFailedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Error       string      `json:"error"`
	}

	// StepSkippedEvent settles a step as skipped; skipped steps satisfy
	// their dependents
	StepSkippedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Reason      string      `json:"reason,omitempty"`
	}

	// StepWaitingEvent parks a step pending an external decision or a
	// timer due-time
	StepWaitingEvent struct {
		ResumeAt    time.Time   `json:"resume_at,omitempty"`
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Reason      string      `json:"reason"`
	}

	// StepCompensatedEvent records a successful compensation action
	StepCompensatedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
	}

	// CompensationFailedEvent records a failed compensation action; the
	// execution still settles failed
	CompensationFailedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Error       string      `json:"error"`
	}

	// RetryScheduledEvent returns a failed attempt to pending with a
	// backoff deadline. Reset marks the one-shot on_error=retry counter
	// reset.
	RetryScheduledEvent struct {
		NextRetryAt time.Time   `json:"next_retry_at"`
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Error       string      `json:"error,omitempty"`
		Attempts    int         `json:"attempts"`
		Reset       bool        `json:"reset,omitempty"`
	}

	// ApprovalRequestedEvent is emitted when a human approval step suspends
	ApprovalRequestedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Prompt      string      `json:"prompt"`
		Approvers   []string    `json:"approvers"`
	}

	// ApprovalDecidedEvent records a human decision on a waiting step
	ApprovalDecidedEvent struct {
		ExecutionID ExecutionID    `json:"execution_id"`
		StepID      StepID         `json:"step_id"`
		Status      ApprovalStatus `json:"status"`
		DecidedBy   string         `json:"decided_by"`
		Reason      string         `json:"reason,omitempty"`
	}

	// DefinitionSavedEvent stores a definition draft (new or new version)
	DefinitionSavedEvent struct {
		Definition *ProcessDefinition `json:"definition"`
	}

	// DefinitionPublishedEvent freezes a definition version for execution
	DefinitionPublishedEvent struct {
		ProcessID ProcessID `json:"process_id"`
		Version   int64     `json:"version"`
	}

	// DefinitionArchivedEvent retires a definition version from execution
	DefinitionArchivedEvent struct {
		ProcessID ProcessID `json:"process_id"`
		Version   int64     `json:"version"`
	}

	// ExecutionActivatedEvent tracks a live execution in the registry
	ExecutionActivatedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
		ProcessID   ProcessID   `json:"process_id"`
	}

	// ExecutionDeactivatedEvent drops a settled execution from the registry
	ExecutionDeactivatedEvent struct {
		ExecutionID ExecutionID `json:"execution_id"`
	}
)

const (
	EventTypeProcessStarted     EventType = "process_started"
	EventTypeProcessCompleted   EventType = "process_completed"
	EventTypeProcessFailed      EventType = "process_failed"
	EventTypeProcessCancelled   EventType = "process_cancelled"
	EventTypeStepStarted        EventType = "step_started"
	EventTypeStepCompleted      EventType = "step_completed"
	EventTypeStepFailed         EventType = "step_failed"
	EventTypeStepSkipped        EventType = "step_skipped"
	EventTypeStepWaiting        EventType = "step_waiting"
	EventTypeStepCompensated    EventType = "step_compensated"
	EventTypeCompensationFailed EventType = "compensation_failed"
	EventTypeRetryScheduled     EventType = "retry_scheduled"
	EventTypeApprovalRequested  EventType = "approval_requested"
	EventTypeApprovalDecided    EventType = "approval_decided"

	EventTypeDefinitionSaved      EventType = "definition_saved"
	EventTypeDefinitionPublished  EventType = "definition_published"
	EventTypeDefinitionArchived   EventType = "definition_archived"
	EventTypeExecutionActivated   EventType = "execution_activated"
	EventTypeExecutionDeactivated EventType = "execution_deactivated"
)
