package handler

import (
	"errors"
	"fmt"

	"github.com/gantryio/gantry/internal/approval"
	"github.com/gantryio/gantry/internal/gateway"
	"github.com/gantryio/gantry/internal/notify"
	"github.com/gantryio/gantry/pkg/api"
)

// Registry maps step types to their handlers. It is populated once at
// startup; the drive loop only reads it.
type Registry map[api.StepType]Handler

var ErrNoHandler = errors.New("no handler registered for step type")

// NewRegistry binds the built-in handlers for every step type
func NewRegistry(
	gw gateway.AgentGateway, approvals *approval.Store, notifier notify.Notifier,
) Registry {
	return Registry{
		api.StepTypeAgentTask:     NewAgentTaskHandler(gw),
		api.StepTypeHumanApproval: NewHumanApprovalHandler(approvals),
		api.StepTypeGateway:       NewGatewayHandler(),
		api.StepTypeTimer:         NewTimerHandler(),
		api.StepTypeNotification:  NewNotificationHandler(notifier),
	}
}

// Register binds a handler to a step type, replacing any prior binding
func (r Registry) Register(t api.StepType, h Handler) {
	r[t] = h
}

// Lookup resolves the handler for a step type
func (r Registry) Lookup(t api.StepType) (Handler, error) {
	h, ok := r[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	return h, nil
}

// IsResumable reports whether the handler bound to a step type may be
// safely re-entered by recovery
func (r Registry) IsResumable(t api.StepType) bool {
	h, ok := r[t]
	if !ok {
		return false
	}
	_, ok = h.(Resumable)
	return ok
}
