package paysync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderTransition is the result of applying a checkout event to a payment
// link and its order.
type OrderTransition struct {
	// Link is the updated link, nil when unchanged.
	Link *PaymentLink

	// Order is the updated order, nil when unchanged.
	Order *Order

	Events []*OrderEvent
	Audit  *AuditEntry
	Alert  *Alert

	// Noop is set for replays against a link in a terminal state.
	Noop bool

	// Confirmed is set when the order became paid; the customer and the
	// business are notified after commit.
	Confirmed bool
}

// ApplyOrderCheckoutCompleted completes a payment link and confirms its
// order. A completed link is never touched again. An expired link may still
// be completed by a later completed event for the same session. If the
// order was already paid through another link, the link is completed but
// the order is left as is and the duplicate payment is flagged.
func ApplyOrderCheckoutCompleted(link PaymentLink, order Order, ev Event, now time.Time) (OrderTransition, error) {
	p, ok := ev.Payload.(*CheckoutPayload)
	if !ok || p == nil {
		return OrderTransition{}, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
	}

	if link.Status == LinkCompleted {
		return replayIgnored(link, ev, now), nil
	}

	previousLink := link.Status
	nextLink := link
	nextLink.Status = LinkCompleted
	nextLink.CompletedAt = &now
	if p.PaymentIntentID != "" {
		nextLink.PaymentIntentID = p.PaymentIntentID
	}

	if order.PaymentStatus == PaymentPaid {
		entry := newAuditEntry(ev, link.OrganizationID, ActionOrderDuplicatePayment, SeverityWarning, now)
		entry.OrderID = order.ID
		entry.PreviousStatus = string(order.PaymentStatus)
		entry.NewStatus = string(order.PaymentStatus)
		entry.Reason = "order already paid through another payment link"
		entry.Metadata["checkout_session_id"] = link.CheckoutSessionID
		entry.Metadata["payment_intent_id"] = nextLink.PaymentIntentID
		entry.Metadata["previous_link_status"] = string(previousLink)

		return OrderTransition{
			Link:  &nextLink,
			Audit: entry,
			Alert: &Alert{
				Kind:           AlertDuplicatePayment,
				Severity:       SeverityWarning,
				OrganizationID: link.OrganizationID,
				EventID:        ev.ID,
				EventType:      ev.Label(),
				Message:        "order paid twice",
				Metadata: map[string]string{
					"order_id":            order.ID,
					"checkout_session_id": link.CheckoutSessionID,
					"payment_intent_id":   nextLink.PaymentIntentID,
				},
				CreatedAt: now,
			},
		}, nil
	}

	nextOrder := order
	nextOrder.PaymentStatus = PaymentPaid
	nextOrder.Status = OrderConfirmed
	nextOrder.UpdatedAt = now

	meta := map[string]string{
		"checkout_session_id": link.CheckoutSessionID,
		"payment_intent_id":   nextLink.PaymentIntentID,
	}
	events := []*OrderEvent{
		newOrderEvent(ev, order, OrderEventPaymentPaid, string(order.PaymentStatus), string(PaymentPaid), meta, now),
		newOrderEvent(ev, order, OrderEventConfirmed, string(order.Status), string(OrderConfirmed), nil, now),
	}

	entry := newAuditEntry(ev, link.OrganizationID, ActionOrderCheckoutCompleted, SeverityInfo, now)
	entry.OrderID = order.ID
	entry.PreviousStatus = string(order.PaymentStatus)
	entry.NewStatus = string(PaymentPaid)
	for k, v := range meta {
		entry.Metadata[k] = v
	}
	if previousLink == LinkExpired {
		entry.Metadata["previous_link_status"] = string(previousLink)
		entry.Reason = "completed after link expiry"
	}

	return OrderTransition{
		Link:      &nextLink,
		Order:     &nextOrder,
		Events:    events,
		Audit:     entry,
		Confirmed: true,
	}, nil
}

// ApplyOrderCheckoutExpired expires an active payment link. The order only
// moves to expired while its payment is still pending.
func ApplyOrderCheckoutExpired(link PaymentLink, order Order, ev Event, now time.Time) (OrderTransition, error) {
	if _, ok := ev.Payload.(*CheckoutPayload); !ok {
		return OrderTransition{}, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
	}

	if link.Status == LinkCompleted || link.Status == LinkExpired {
		return replayIgnored(link, ev, now), nil
	}

	nextLink := link
	nextLink.Status = LinkExpired
	nextLink.ExpiredAt = &now

	t := OrderTransition{Link: &nextLink}

	newStatus := order.PaymentStatus
	if order.PaymentStatus == PaymentPending {
		nextOrder := order
		nextOrder.PaymentStatus = PaymentExpired
		nextOrder.UpdatedAt = now
		newStatus = PaymentExpired
		t.Order = &nextOrder
	}

	meta := map[string]string{
		"checkout_session_id": link.CheckoutSessionID,
		"order_updated":       fmt.Sprintf("%t", t.Order != nil),
	}
	t.Events = []*OrderEvent{
		newOrderEvent(ev, order, OrderEventPaymentExpired, string(order.PaymentStatus), string(newStatus), meta, now),
	}

	entry := newAuditEntry(ev, link.OrganizationID, ActionOrderCheckoutExpired, SeverityInfo, now)
	entry.OrderID = order.ID
	entry.PreviousStatus = string(order.PaymentStatus)
	entry.NewStatus = string(newStatus)
	for k, v := range meta {
		entry.Metadata[k] = v
	}
	if t.Order == nil {
		entry.Reason = fmt.Sprintf("order payment status %s kept", order.PaymentStatus)
	}
	t.Audit = entry

	return t, nil
}

func replayIgnored(link PaymentLink, ev Event, now time.Time) OrderTransition {
	entry := newAuditEntry(ev, link.OrganizationID, ActionOrderReplayIgnored, SeverityInfo, now)
	entry.OrderID = link.OrderID
	entry.PreviousStatus = string(link.Status)
	entry.NewStatus = string(link.Status)
	entry.Reason = fmt.Sprintf("payment link already %s", link.Status)
	entry.Metadata["checkout_session_id"] = link.CheckoutSessionID
	return OrderTransition{Audit: entry, Noop: true}
}

func newOrderEvent(ev Event, order Order, typ OrderEventType, from, to string,
	meta map[string]string, now time.Time) *OrderEvent {
	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}
	return &OrderEvent{
		ID:             uuid.NewString(),
		OrderID:        order.ID,
		OrganizationID: order.OrganizationID,
		Type:           typ,
		EventID:        ev.ID,
		PreviousStatus: from,
		NewStatus:      to,
		Metadata:       copied,
		CreatedAt:      now,
	}
}
