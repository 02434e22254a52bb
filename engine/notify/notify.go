// Package notify defines the outbound notification port used by review gates
// and workflow handlers. The engine never depends on a concrete channel;
// deployments plug in mail, chat, or webhook senders.
package notify

import (
	"context"

	"github.com/pitchlane/flow/engine/telemetry"
)

type (
	// Notification is a channel-agnostic message to one or more recipients.
	Notification struct {
		// Recipients are channel-specific addresses (emails, user IDs).
		Recipients []string `json:"recipients"`
		Subject    string   `json:"subject"`
		Body       string   `json:"body,omitempty"`
		// InstanceID links the notification back to the workflow instance so
		// recipients can act on it (approve, inspect, retry).
		InstanceID string `json:"instance_id,omitempty"`
		// Scope is set for review notifications and names the approval gate,
		// e.g. "legal-review#0".
		Scope string `json:"scope,omitempty"`
	}

	// Sender delivers notifications. Implementations must be safe for
	// concurrent use; the dispatcher calls Send from multiple workers.
	Sender interface {
		Send(ctx context.Context, n Notification) error
	}

	// SenderFunc adapts a function to the Sender interface.
	SenderFunc func(ctx context.Context, n Notification) error

	// LogSender writes notifications to the structured log. It is the default
	// sender for deployments that have not wired a real channel.
	LogSender struct {
		logger telemetry.Logger
	}
)

// Send invokes the function.
func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// NewLogSender constructs a Sender that logs each notification at info level.
// A nil logger defaults to the Clue logger.
func NewLogSender(logger telemetry.Logger) *LogSender {
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	return &LogSender{logger: logger}
}

// Send logs the notification and always succeeds.
func (s *LogSender) Send(ctx context.Context, n Notification) error {
	s.logger.Info(ctx, "notification",
		"recipients", n.Recipients,
		"subject", n.Subject,
		"instance_id", n.InstanceID,
		"scope", n.Scope,
	)
	return nil
}
