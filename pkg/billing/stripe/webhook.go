package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/billing/internal"
	"github.com/mihaimyh/paysync/pkg/paysync"
)

const unknownEventLabel = "UNKNOWN"

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		var d billing.Delivery
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			d = p.reject(http.StatusRequestEntityTooLarge, "payload_too_large")
		} else {
			d = p.reject(http.StatusBadRequest, "invalid_payload")
		}
		_ = internal.WriteJSON(w, d.StatusCode, d.Body)
		return
	}

	d := p.HandleDelivery(r.Context(), body, r.Header)
	_ = internal.WriteJSON(w, d.StatusCode, d.Body)
}

// HandleDelivery implements billing.Provider
func (p *Provider) HandleDelivery(ctx context.Context, payload []byte, header http.Header) billing.Delivery {
	startTime := time.Now()

	if int64(len(payload)) > p.maxBodyBytes {
		return p.reject(http.StatusRequestEntityTooLarge, "payload_too_large")
	}
	if len(payload) == 0 {
		return p.reject(http.StatusBadRequest, "invalid_payload")
	}

	event, err := p.verifier.Verify(payload, header.Get(signatureHeader))
	if err != nil {
		if errors.Is(err, paysync.ErrInvalidSignature) {
			p.logger.Warn("rejected webhook with invalid signature",
				paysync.Field{Key: "provider", Value: providerName},
				paysync.Field{Key: "error", Value: err.Error()})
			return p.reject(http.StatusBadRequest, "invalid_signature")
		}
		p.logger.Warn("rejected undecodable webhook payload",
			paysync.Field{Key: "provider", Value: providerName},
			paysync.Field{Key: "error", Value: err.Error()})
		return p.reject(http.StatusBadRequest, "invalid_payload")
	}

	outcome, err := p.engine.Process(ctx, event)
	if errors.Is(err, paysync.ErrInvalidPayload) {
		return p.reject(http.StatusBadRequest, "invalid_payload")
	}

	d := billing.Delivery{
		StatusCode: billing.StatusForOutcome(outcome, p.config.RedeliverOnHandlerError),
		Body:       billing.DeliveryResponse{Received: true, Status: string(outcome)},
	}
	if d.StatusCode != http.StatusOK {
		d.Body.Error = "processing_failed"
	}

	if p.config.WebhookCallback != nil {
		p.config.WebhookCallback(ctx, billing.WebhookEvent{
			Provider:       providerName,
			EventID:        event.ID,
			EventType:      event.Label(),
			Domain:         event.Domain,
			EventTimestamp: event.Created,
			Outcome:        outcome,
			Err:            err,
			StatusCode:     d.StatusCode,
			Duration:       time.Since(startTime),
		})
	}
	return d
}

// reject records a delivery refused before it reached the engine.
func (p *Provider) reject(status int, reason string) billing.Delivery {
	p.metrics.RecordWebhookError(reason)
	p.metrics.RecordWebhookEvent(unknownEventLabel, "rejected")
	return billing.Delivery{
		StatusCode: status,
		Body:       billing.DeliveryResponse{Received: false, Error: reason},
	}
}
