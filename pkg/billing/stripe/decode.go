package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	metadataDomain     = "domain"
	paymentStatusPaid  = "paid"
	checkoutModeOrder  = "payment"
	eventPaymentLegacy = "invoice.payment_succeeded"
)

var eventTypes = map[stripe.EventType]paysync.EventType{
	"checkout.session.completed":    paysync.EventCheckoutCompleted,
	"checkout.session.expired":      paysync.EventCheckoutExpired,
	"invoice.paid":                  paysync.EventInvoicePaid,
	eventPaymentLegacy:              paysync.EventInvoicePaid,
	"invoice.payment_failed":        paysync.EventInvoicePaymentFailed,
	"customer.subscription.created": paysync.EventSubscriptionCreated,
	"customer.subscription.updated": paysync.EventSubscriptionUpdated,
	"customer.subscription.deleted": paysync.EventSubscriptionDeleted,
}

// expandableID is a Stripe reference that is either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type wireCheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	PaymentIntent expandableID      `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type wireInvoice struct {
	ID            string            `json:"id"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	BillingReason string            `json:"billing_reason"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type wireSubscription struct {
	ID               string            `json:"id"`
	Customer         expandableID      `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// decodeEvent converts a verified Stripe event into a paysync.Event.
// Unsupported event types decode to EventUnsupported without payload.
func decodeEvent(event *stripe.Event) (paysync.Event, error) {
	if event == nil || event.ID == "" {
		return paysync.Event{}, fmt.Errorf("%w: missing event id", paysync.ErrInvalidPayload)
	}

	ev := paysync.Event{
		ID:            event.ID,
		ProcessorType: string(event.Type),
		Domain:        paysync.DomainSubscription,
		Created:       time.Unix(event.Created, 0).UTC(),
	}

	typ, ok := eventTypes[event.Type]
	if !ok {
		ev.Type = paysync.EventUnsupported
		return ev, nil
	}
	ev.Type = typ

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return paysync.Event{}, fmt.Errorf("%w: %s has no data object", paysync.ErrInvalidPayload, event.ID)
	}
	raw := event.Data.Raw

	switch typ {
	case paysync.EventCheckoutCompleted, paysync.EventCheckoutExpired:
		var s wireCheckoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return paysync.Event{}, fmt.Errorf("%w: decode checkout session: %v", paysync.ErrInvalidPayload, err)
		}
		payload := &paysync.CheckoutPayload{
			SessionID:       s.ID,
			SubscriptionID:  string(s.Subscription),
			CustomerID:      string(s.Customer),
			PaymentIntentID: string(s.PaymentIntent),
			Mode:            s.Mode,
			Paid:            s.PaymentStatus == paymentStatusPaid,
			Metadata:        s.Metadata,
		}
		ev.Payload = payload
		ev.Domain = checkoutDomain(payload)

	case paysync.EventInvoicePaid, paysync.EventInvoicePaymentFailed:
		var in wireInvoice
		if err := json.Unmarshal(raw, &in); err != nil {
			return paysync.Event{}, fmt.Errorf("%w: decode invoice: %v", paysync.ErrInvalidPayload, err)
		}
		ev.Payload = invoicePayload(&in)

	default:
		var sub wireSubscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return paysync.Event{}, fmt.Errorf("%w: decode subscription: %v", paysync.ErrInvalidPayload, err)
		}
		ev.Payload = &paysync.SubscriptionPayload{
			SubscriptionID:   sub.ID,
			CustomerID:       string(sub.Customer),
			Status:           sub.Status,
			CurrentPeriodEnd: subscriptionPeriodEnd(&sub),
			Metadata:         sub.Metadata,
		}
	}

	return ev, nil
}

// checkoutDomain tags a checkout session. Explicit metadata wins; then an
// order reference or a one-off payment without subscription marks an order.
func checkoutDomain(p *paysync.CheckoutPayload) paysync.Domain {
	switch strings.ToLower(strings.TrimSpace(p.Metadata[metadataDomain])) {
	case string(paysync.DomainOrder):
		return paysync.DomainOrder
	case string(paysync.DomainSubscription):
		return paysync.DomainSubscription
	}
	if p.Metadata["orderId"] != "" || p.Metadata["order_id"] != "" {
		return paysync.DomainOrder
	}
	if p.Mode == checkoutModeOrder && p.SubscriptionID == "" {
		return paysync.DomainOrder
	}
	return paysync.DomainSubscription
}

func invoicePayload(in *wireInvoice) *paysync.InvoicePayload {
	subscriptionID := string(in.Subscription)
	metadata := map[string]string{}

	if in.SubscriptionDetails != nil {
		for k, v := range in.SubscriptionDetails.Metadata {
			metadata[k] = v
		}
	}
	if in.Parent != nil && in.Parent.SubscriptionDetails != nil {
		if subscriptionID == "" {
			subscriptionID = string(in.Parent.SubscriptionDetails.Subscription)
		}
		for k, v := range in.Parent.SubscriptionDetails.Metadata {
			metadata[k] = v
		}
	}
	for k, v := range in.Metadata {
		metadata[k] = v
	}

	var periodEnd int64
	for _, line := range in.Lines.Data {
		if line.Period.End > periodEnd {
			periodEnd = line.Period.End
		}
	}

	return &paysync.InvoicePayload{
		InvoiceID:      in.ID,
		SubscriptionID: subscriptionID,
		CustomerID:     string(in.Customer),
		BillingReason:  in.BillingReason,
		PeriodEnd:      unixTime(periodEnd),
		Metadata:       metadata,
	}
}

func subscriptionPeriodEnd(sub *wireSubscription) *time.Time {
	end := sub.CurrentPeriodEnd
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixTime(end)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
