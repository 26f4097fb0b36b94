package paysync

import "time"

// EventType discriminates which state machine handles an event.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.session.completed"
	EventCheckoutExpired      EventType = "checkout.session.expired"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventSubscriptionCreated  EventType = "customer.subscription.created"
	EventSubscriptionUpdated  EventType = "customer.subscription.updated"
	EventSubscriptionDeleted  EventType = "customer.subscription.deleted"
	EventUnsupported          EventType = "unsupported"
)

const defaultProcessorEventLabel = "UNKNOWN"

// Domain separates subscription billing from order payments when the
// processor uses the same event type for both.
type Domain string

const (
	DomainSubscription Domain = "subscription"
	DomainOrder        Domain = "order"
)

// Event is a verified processor notification. It is built once at the
// boundary and never mutated afterwards.
type Event struct {
	// ID is the processor-assigned, globally unique event id.
	ID string

	// Type is the normalized event type (invoice.payment_succeeded is folded into invoice.paid).
	Type EventType

	// ProcessorType is the raw type string as sent by the processor.
	ProcessorType string

	Domain  Domain
	Created time.Time
	Payload Payload
}

// Label returns the processor type for metrics and logs.
func (e Event) Label() string {
	if e.ProcessorType != "" {
		return e.ProcessorType
	}
	if e.Type != "" {
		return string(e.Type)
	}
	return defaultProcessorEventLabel
}

// References are the identifiers the tenant resolver can work with.
type References struct {
	SubscriptionID    string
	CustomerID        string
	CheckoutSessionID string
	Metadata          map[string]string
}

// Payload is a tagged variant carrying the type-specific event fields.
type Payload interface {
	References() References
}

// CheckoutPayload is carried by checkout.session.* events.
type CheckoutPayload struct {
	SessionID       string
	SubscriptionID  string
	CustomerID      string
	PaymentIntentID string
	Mode            string

	// Paid reports the session's payment confirmation flag. Trial and
	// deferred-payment sessions complete without it.
	Paid bool

	Metadata map[string]string
}

func (p *CheckoutPayload) References() References {
	return References{
		SubscriptionID:    p.SubscriptionID,
		CustomerID:        p.CustomerID,
		CheckoutSessionID: p.SessionID,
		Metadata:          p.Metadata,
	}
}

// InvoicePayload is carried by invoice.* events.
type InvoicePayload struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	BillingReason  string

	// PeriodEnd is the end of the subscription line's period, when present.
	PeriodEnd *time.Time

	Metadata map[string]string
}

func (p *InvoicePayload) References() References {
	return References{
		SubscriptionID: p.SubscriptionID,
		CustomerID:     p.CustomerID,
		Metadata:       p.Metadata,
	}
}

// SubscriptionPayload is carried by customer.subscription.* events.
type SubscriptionPayload struct {
	SubscriptionID   string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
	Metadata         map[string]string
}

func (p *SubscriptionPayload) References() References {
	return References{
		SubscriptionID: p.SubscriptionID,
		CustomerID:     p.CustomerID,
		Metadata:       p.Metadata,
	}
}

// ProcessedEvent is the idempotency ledger record for one processor event.
type ProcessedEvent struct {
	EventID   string
	EventType string

	// OrganizationID is empty while unresolved.
	OrganizationID string

	ReceivedAt time.Time

	// ClaimedUntil is the end of the current handler's lease. A record that
	// is still unprocessed after its lease may be claimed by a redelivery.
	ClaimedUntil time.Time

	// Attempts counts successful claims, including the first insert.
	Attempts int

	// ProcessedAt is nil until every side effect of the event has committed.
	ProcessedAt *time.Time
}

// BillingStatus is an organization's subscription standing.
type BillingStatus string

const (
	BillingInactive   BillingStatus = "inactive"
	BillingIncomplete BillingStatus = "incomplete"
	BillingActive     BillingStatus = "active"
	BillingPastDue    BillingStatus = "past_due"
	BillingCanceled   BillingStatus = "canceled"
)

// BillingState holds the billing fields of one organization.
type BillingState struct {
	OrganizationID   string
	Status           BillingStatus
	SubscriptionID   string
	CustomerID       string
	CurrentPeriodEnd *time.Time

	// SetupFeePaidAt is written once and never cleared.
	SetupFeePaidAt *time.Time

	UpdatedAt time.Time
}

// PaymentStatus is the payment-related status of an order.
type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentPending     PaymentStatus = "pending"
	PaymentPaid        PaymentStatus = "paid"
	PaymentFailed      PaymentStatus = "failed"
	PaymentExpired     PaymentStatus = "expired"
	PaymentCanceled    PaymentStatus = "canceled"
)

// OrderStatus is the order lifecycle status.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCanceled  OrderStatus = "canceled"
	OrderFulfilled OrderStatus = "fulfilled"
)

// Order is a customer purchase. Only the payment fields are owned here.
type Order struct {
	ID                  string
	OrganizationID      string
	Reference           string
	Status              OrderStatus
	PaymentStatus       PaymentStatus
	PaymentAttemptCount int

	// Channel is where the order came from ("sms", "whatsapp", "voice").
	Channel         string
	CustomerContact string

	UpdatedAt time.Time
}

// LinkStatus is the lifecycle status of a payment link.
type LinkStatus string

const (
	LinkActive    LinkStatus = "active"
	LinkCompleted LinkStatus = "completed"
	LinkExpired   LinkStatus = "expired"
)

// PaymentLink correlates a processor checkout session with an order.
type PaymentLink struct {
	ID                string
	OrderID           string
	OrganizationID    string
	CheckoutSessionID string
	Status            LinkStatus
	PaymentIntentID   string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	ExpiredAt         *time.Time
}

// OrderEventType names an entry in an order's event log.
type OrderEventType string

const (
	OrderEventPaymentPaid    OrderEventType = "payment_paid"
	OrderEventConfirmed      OrderEventType = "confirmed"
	OrderEventPaymentExpired OrderEventType = "payment_expired"
)

// OrderEvent is an append-only entry in an order's history.
type OrderEvent struct {
	ID             string
	OrderID        string
	OrganizationID string
	Type           OrderEventType

	// EventID is the processor event that caused the entry.
	EventID        string
	PreviousStatus string
	NewStatus      string
	Metadata       map[string]string
	CreatedAt      time.Time
}
