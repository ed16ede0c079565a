package ports

import (
	"context"

	"github.com/kapella-hub/ngs-worker/internal/domain"
)

// Notification is one outbound alert about an incident transition, ready
// for a channel adapter to render in its own format (Slack Block Kit,
// generic JSON webhook, …).
type Notification struct {
	Incident  domain.Incident
	Transition string
	Message   string
}

// NotifyChannel is one outbound sink (Slack, generic webhook, …). Adapters
// own their own formatting and HTTP delivery; the notifier package owns
// fan-out, severity filtering, and immediate-vs-digest batching policy
// across channels.
type NotifyChannel interface {
	Name() string
	Send(ctx context.Context, notification Notification) error
}
