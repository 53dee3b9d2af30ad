// Package notify delivers step notifications to role-addressed recipients.
package notify

import (
	"context"
	"log/slog"

	"github.com/gantryio/gantry/pkg/api"
)

type (
	// Notifier delivers one notification to its recipients
	Notifier interface {
		Notify(context.Context, *Notification) error
	}

	// Notification is a rendered message bound for a delivery channel
	Notification struct {
		Recipients  []string        `json:"recipients,omitempty"`
		ExecutionID api.ExecutionID `json:"execution_id"`
		StepID      api.StepID      `json:"step_id"`
		Channel     string          `json:"channel,omitempty"`
		Message     string          `json:"message"`
	}

	// LogNotifier writes notifications to the structured log. It stands in
	// for real delivery channels in development and tests.
	LogNotifier struct {
		logger *slog.Logger
	}
)

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier that logs deliveries
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(
	ctx context.Context, msg *Notification,
) error {
	n.logger.InfoContext(ctx, "Notification delivered",
		slog.Any("execution_id", msg.ExecutionID),
		slog.Any("step_id", msg.StepID),
		slog.String("channel", msg.Channel),
		slog.Any("recipients", msg.Recipients),
		slog.String("message", msg.Message))
	return nil
}
