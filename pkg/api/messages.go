package api

import "encoding/json"

type (
	// StartExecutionRequest contains parameters for starting an execution.
	// A zero version selects the latest published version of the process.
	StartExecutionRequest struct {
		Input       Args      `json:"input"`
		ProcessID   ProcessID `json:"process_id"`
		TriggeredBy string    `json:"triggered_by"`
		Version     int64     `json:"version,omitempty"`
	}

	// ExecutionStartedResponse is returned when an execution start succeeds
	ExecutionStartedResponse struct {
		Message     string      `json:"message"`
		ExecutionID ExecutionID `json:"execution_id"`
	}

	// ExecutionsListResponse contains summaries of active executions
	ExecutionsListResponse struct {
		Executions []*ExecutionDigest `json:"executions"`
		Count      int                `json:"count"`
	}

	// CancelExecutionRequest carries the reason for a cancellation
	CancelExecutionRequest struct {
		Reason string `json:"reason"`
	}

	// DefinitionSavedResponse is returned when a definition save succeeds
	DefinitionSavedResponse struct {
		Definition *ProcessDefinition `json:"definition"`
		Message    string             `json:"message"`
	}

	// DefinitionsListResponse contains the latest version of each process
	DefinitionsListResponse struct {
		Definitions []*ProcessDefinition `json:"definitions"`
		Count       int                  `json:"count"`
	}

	// EventRecord is one entry of an execution's event log
	EventRecord struct {
		Data      json.RawMessage `json:"data"`
		Type      EventType       `json:"type"`
		Sequence  int64           `json:"sequence"`
		Timestamp int64           `json:"timestamp"`
	}

	// EventsListResponse contains an execution's event log in insertion
	// order
	EventsListResponse struct {
		Events []*EventRecord `json:"events"`
		Count  int            `json:"count"`
	}

	// ApprovalsListResponse contains undecided approval requests
	ApprovalsListResponse struct {
		Approvals []*ApprovalRequest `json:"approvals"`
		Count     int                `json:"count"`
	}

	// ApprovalDecisionRequest records a human decision on a waiting step
	ApprovalDecisionRequest struct {
		Status    ApprovalStatus `json:"status"`
		DecidedBy string         `json:"decided_by"`
		Reason    string         `json:"reason,omitempty"`
	}

	// HealthResponse provides service health information
	HealthResponse struct {
		Service string `json:"service"`
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	// MessageResponse contains a simple message string
	MessageResponse struct {
		Message string `json:"message"`
	}

	// ErrorResponse contains error details for failed requests
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status,omitempty"`
	}

	// ClientSubscription selects the events a WebSocket client receives
	ClientSubscription struct {
		ExecutionID ExecutionID `json:"execution_id,omitempty"`
		EventTypes  []EventType `json:"event_types,omitempty"`
	}

	// SubscribeRequest is an inbound WebSocket subscription message
	SubscribeRequest struct {
		Type string             `json:"type"`
		Data ClientSubscription `json:"data"`
	}

	// SubscribedResult acknowledges a subscription with the current
	// projected state and the next event sequence
	SubscribedResult struct {
		Data        json.RawMessage `json:"data"`
		Type        string          `json:"type"`
		ExecutionID ExecutionID     `json:"execution_id,omitempty"`
		Sequence    int64           `json:"sequence"`
	}

	// WebSocketEvent is an event as streamed to WebSocket clients
	WebSocketEvent struct {
		Data        json.RawMessage `json:"data"`
		Type        EventType       `json:"type"`
		AggregateID []string        `json:"aggregate_id"`
		Timestamp   int64           `json:"timestamp"`
		Sequence    int64           `json:"sequence"`
	}
)
