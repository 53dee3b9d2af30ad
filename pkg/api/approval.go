package api

import (
	"errors"
	"time"
)

type (
	// ApprovalStatus is the state of a human approval request
	ApprovalStatus string

	// ApprovalRequest is a pending human decision, keyed by
	// ExecutionID+StepID in the approval store
	ApprovalRequest struct {
		RequestedAt time.Time      `json:"requested_at"`
		DecidedAt   time.Time      `json:"decided_at,omitempty"`
		ExecutionID ExecutionID    `json:"execution_id"`
		StepID      StepID         `json:"step_id"`
		Prompt      string         `json:"prompt"`
		Approvers   []string       `json:"approvers"`
		Status      ApprovalStatus `json:"status"`
		DecidedBy   string         `json:"decided_by,omitempty"`
		Reason      string         `json:"reason,omitempty"`
	}
)

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

var ErrInvalidApprovalStatus = errors.New("invalid approval status")

// Validate checks that a decision status is one a human may record
func (s ApprovalStatus) Validate() error {
	if s != ApprovalApproved && s != ApprovalRejected {
		return ErrInvalidApprovalStatus
	}
	return nil
}

// IsDecided reports whether the request has been resolved
func (r *ApprovalRequest) IsDecided() bool {
	return r.Status == ApprovalApproved || r.Status == ApprovalRejected
}
