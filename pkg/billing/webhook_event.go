package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// WebhookEvent describes one delivery after the engine has handled it.
type WebhookEvent struct {
	// Provider is the payment processor name ("stripe")
	Provider string

	EventID string

	// EventType is the processor's raw event type
	// (e.g. "checkout.session.completed", "invoice.payment_succeeded")
	EventType string

	Domain paysync.Domain

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	Outcome paysync.Outcome

	// Err is set for handler errors and infrastructure failures
	Err error

	// StatusCode is the HTTP status returned to the processor
	StatusCode int

	Duration time.Duration
}

// WebhookCallback observes processed deliveries. It runs synchronously
// after the response status is decided and must not block.
type WebhookCallback func(ctx context.Context, event WebhookEvent)
