package paysync

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Audit actions.
const (
	ActionBillingCheckoutCompleted    = "billing.checkout_completed"
	ActionBillingInvoicePaid          = "billing.invoice_paid"
	ActionBillingInvoicePaymentFailed = "billing.invoice_payment_failed"
	ActionBillingSubscriptionUpdated  = "billing.subscription_updated"
	ActionBillingSubscriptionDeleted  = "billing.subscription_deleted"
	ActionOrderCheckoutCompleted      = "order.checkout_completed"
	ActionOrderCheckoutExpired        = "order.checkout_expired"
	ActionOrderReplayIgnored          = "order.replay_ignored"
	ActionOrderDuplicatePayment       = "order.duplicate_payment"
	ActionOrderPaymentLinkNotFound    = "order.payment_link_not_found"
	ActionUnmappedEvent               = "unmapped_event"
	ActionIgnoredEvent                = "ignored_event"
	ActionWebhookError                = "webhook_error"
)

// AuditEntry is one immutable record of a decision taken for an event.
type AuditEntry struct {
	// ID is a unique identifier for this entry
	ID string

	// OrganizationID is empty for unmapped events
	OrganizationID string

	// OrderID is set for order-domain decisions
	OrderID string

	EventID   string
	EventType string

	// Action names the decision (e.g. "billing.checkout_completed", "unmapped_event")
	Action string

	Severity       Severity
	PreviousStatus string
	NewStatus      string

	// Reason is an optional human readable explanation
	Reason string

	// Metadata contains additional context about the decision
	Metadata map[string]string

	CreatedAt time.Time
}

// AuditFilter defines filters for querying the audit trail.
type AuditFilter struct {
	// OrganizationID filters by organization (optional)
	OrganizationID string

	// EventID filters by processor event id (optional)
	EventID string

	// Action filters by action (optional)
	Action string

	// Since filters entries created at or after this time (optional)
	Since *time.Time

	// Limit limits the number of results returned (default: 100)
	Limit int
}

// DefaultAuditLimit is applied when AuditFilter.Limit is not positive.
const DefaultAuditLimit = 100

// Matches reports whether the entry satisfies the filter. In-memory
// backends use it; SQL backends translate the filter into a WHERE clause.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.EventID != "" && e.EventID != f.EventID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// EffectiveLimit returns the limit to apply.
func (f AuditFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultAuditLimit
	}
	return f.Limit
}

// newAuditEntry fills the event-scoped fields of an entry.
func newAuditEntry(ev Event, organizationID, action string, severity Severity, now time.Time) *AuditEntry {
	return &AuditEntry{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		EventID:        ev.ID,
		EventType:      ev.Label(),
		Action:         action,
		Severity:       severity,
		Metadata:       map[string]string{},
		CreatedAt:      now,
	}
}
