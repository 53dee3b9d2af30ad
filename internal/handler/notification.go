package handler

import (
	"context"

	"github.com/gantryio/gantry/internal/notify"
	"github.com/gantryio/gantry/pkg/api"
)

// NotificationHandler renders a notification step's message and delivers
// it to the step's role-addressed recipients
type NotificationHandler struct {
	notifier notify.Notifier
}

var _ Handler = (*NotificationHandler)(nil)

// NewNotificationHandler creates the handler for notification steps
func NewNotificationHandler(n notify.Notifier) *NotificationHandler {
	return &NotificationHandler{notifier: n}
}

func (h *NotificationHandler) Execute(
	ctx context.Context, sc *StepContext,
) *Outcome {
	cfg := sc.Step.Notification

	message, err := sc.Eval.Expand(cfg.Message)
	if err != nil {
		return Failure(err, false)
	}

	if err := h.notifier.Notify(ctx, &notify.Notification{
		ExecutionID: sc.Execution.ID,
		StepID:      sc.Step.ID,
		Channel:     cfg.Channel,
		Message:     message,
		Recipients:  sc.Step.Roles.Recipients(),
	}); err != nil {
		// Delivery channel errors are transient by nature
		return Failure(err, true)
	}
	return Success(api.Args{"delivered": true})
}
