package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Provider is the generic interface that any payment processor backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives processor events.
	// The implementation verifies, decodes and hands events to the engine.
	WebhookHandler() http.Handler

	// HandleDelivery runs the same pipeline on a body read by another HTTP
	// framework. Payloads larger than MaxBodyBytes are rejected.
	HandleDelivery(ctx context.Context, payload []byte, header http.Header) Delivery

	// MaxBodyBytes is the largest accepted webhook body.
	MaxBodyBytes() int64
}

// Processor consumes verified events. *paysync.Engine implements it.
type Processor interface {
	Process(ctx context.Context, ev paysync.Event) (paysync.Outcome, error)
}

// StatusForOutcome maps an engine outcome to the HTTP status returned to
// the processor. Only a broken pipeline answers 500, unless redelivery of
// handler errors is requested.
func StatusForOutcome(outcome paysync.Outcome, redeliverOnHandlerError bool) int {
	switch outcome {
	case paysync.OutcomeProcessed, paysync.OutcomeDuplicate, paysync.OutcomeUnmapped,
		paysync.OutcomeIgnored, paysync.OutcomeAborted:
		return http.StatusOK
	case paysync.OutcomeHandlerError:
		if redeliverOnHandlerError {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
