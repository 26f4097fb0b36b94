package paysync

import (
	"fmt"
	"time"
)

// subscriptionStatusMapping maps every processor subscription status onto a
// billing status. Statuses missing from the table fall back to
// unknownSubscriptionStatus and are flagged in the audit trail.
var subscriptionStatusMapping = map[string]BillingStatus{
	"active":             BillingActive,
	"trialing":           BillingActive,
	"past_due":           BillingPastDue,
	"unpaid":             BillingPastDue,
	"incomplete":         BillingIncomplete,
	"incomplete_expired": BillingCanceled,
	"canceled":           BillingCanceled,
	"paused":             BillingInactive,
}

const unknownSubscriptionStatus = BillingInactive

// MapSubscriptionStatus returns the billing status for a processor
// subscription status and whether the status was recognized.
func MapSubscriptionStatus(status string) (BillingStatus, bool) {
	if mapped, ok := subscriptionStatusMapping[status]; ok {
		return mapped, true
	}
	return unknownSubscriptionStatus, false
}

// BillingTransition is the result of applying one event to a billing state.
type BillingTransition struct {
	Next  BillingState
	Audit *AuditEntry

	// Alert is raised after the transition commits, if set.
	Alert *Alert
}

// ApplyBillingEvent computes the next billing state of an organization.
// detail is the optional subscription data fetched from the processor; it
// may be nil. The function has no side effects.
func ApplyBillingEvent(current BillingState, ev Event, detail *SubscriptionDetail, now time.Time) (BillingTransition, error) {
	next := current
	next.UpdatedAt = now
	if next.Status == "" {
		next.Status = BillingInactive
	}

	var (
		action   string
		severity = SeverityInfo
		meta     = map[string]string{}
		reason   string
		alert    *Alert
	)

	switch ev.Type {
	case EventCheckoutCompleted:
		p, ok := ev.Payload.(*CheckoutPayload)
		if !ok || p == nil {
			return BillingTransition{}, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
		}
		action = ActionBillingCheckoutCompleted
		if !p.Paid {
			reason = "payment not confirmed; status unchanged"
			break
		}
		attachIDs(&next, p.SubscriptionID, p.CustomerID)
		next.Status = BillingActive
		recordSetupFee(&next, now, meta)
		if detail != nil && detail.CurrentPeriodEnd != nil {
			next.CurrentPeriodEnd = detail.CurrentPeriodEnd
		}

	case EventInvoicePaid:
		p, ok := ev.Payload.(*InvoicePayload)
		if !ok || p == nil {
			return BillingTransition{}, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
		}
		action = ActionBillingInvoicePaid
		attachIDs(&next, p.SubscriptionID, p.CustomerID)
		next.Status = BillingActive
		switch {
		case p.PeriodEnd != nil:
			next.CurrentPeriodEnd = p.PeriodEnd
		case detail != nil && detail.CurrentPeriodEnd != nil:
			next.CurrentPeriodEnd = detail.CurrentPeriodEnd
		}
		recordSetupFee(&next, now, meta)
		meta["invoice_id"] = p.InvoiceID

	case EventInvoicePaymentFailed:
		p, ok := ev.Payload.(*InvoicePayload)
		if !ok || p == nil {
			return BillingTransition{}, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
		}
		action = ActionBillingInvoicePaymentFailed
		next.Status = BillingPastDue
		meta["invoice_id"] = p.InvoiceID
		alert = &Alert{
			Kind:     AlertPaymentFailed,
			Severity: SeverityWarning,
			Message:  "subscription invoice payment failed",
		}

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		p, ok := ev.Payload.(*SubscriptionPayload)
		if !ok || p == nil {
			return BillingTransition{}, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
		}
		action = ActionBillingSubscriptionUpdated
		attachIDs(&next, p.SubscriptionID, p.CustomerID)
		mapped, known := MapSubscriptionStatus(p.Status)
		next.Status = mapped
		meta["processor_status"] = p.Status
		if !known {
			severity = SeverityWarning
			meta["unknown_status"] = p.Status
			reason = fmt.Sprintf("unrecognized subscription status %q mapped to %s", p.Status, mapped)
		}
		switch {
		case p.CurrentPeriodEnd != nil:
			next.CurrentPeriodEnd = p.CurrentPeriodEnd
		case detail != nil && detail.CurrentPeriodEnd != nil:
			next.CurrentPeriodEnd = detail.CurrentPeriodEnd
		}

	case EventSubscriptionDeleted:
		p, ok := ev.Payload.(*SubscriptionPayload)
		if !ok || p == nil {
			return BillingTransition{}, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
		}
		action = ActionBillingSubscriptionDeleted
		next.Status = BillingCanceled
		meta["subscription_id"] = p.SubscriptionID
		alert = &Alert{
			Kind:     AlertSubscriptionCanceled,
			Severity: SeverityWarning,
			Message:  "subscription canceled",
		}

	default:
		return BillingTransition{}, fmt.Errorf("billing state machine cannot handle %s", ev.Type)
	}

	// set-once, whatever the branch above did
	if current.SetupFeePaidAt != nil {
		next.SetupFeePaidAt = current.SetupFeePaidAt
	}

	if next.SubscriptionID != "" {
		meta["subscription_id"] = next.SubscriptionID
	}
	if next.CurrentPeriodEnd != nil {
		meta["current_period_end"] = next.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}

	entry := newAuditEntry(ev, current.OrganizationID, action, severity, now)
	entry.PreviousStatus = string(current.Status)
	if entry.PreviousStatus == "" {
		entry.PreviousStatus = string(BillingInactive)
	}
	entry.NewStatus = string(next.Status)
	entry.Reason = reason
	for k, v := range meta {
		entry.Metadata[k] = v
	}

	if alert != nil {
		alert.OrganizationID = current.OrganizationID
		alert.EventID = ev.ID
		alert.EventType = ev.Label()
		alert.CreatedAt = now
		alert.Metadata = map[string]string{"previous_status": entry.PreviousStatus}
	}

	return BillingTransition{Next: next, Audit: entry, Alert: alert}, nil
}

func attachIDs(state *BillingState, subscriptionID, customerID string) {
	if subscriptionID != "" {
		state.SubscriptionID = subscriptionID
	}
	if customerID != "" {
		state.CustomerID = customerID
	}
}

func recordSetupFee(state *BillingState, now time.Time, meta map[string]string) {
	if state.SetupFeePaidAt != nil {
		return
	}
	paidAt := now
	state.SetupFeePaidAt = &paidAt
	meta["setup_fee_recorded"] = "true"
}
