package paysync

import (
	"context"
	"time"
)

// Ledger is the idempotency ledger keyed by processor event id.
// Atomicity must come from the backend (unique key, CAS or transaction),
// never from an in-process lock, so several engine processes can share it.
type Ledger interface {
	// CheckAndRecord inserts a record for eventID or claims an unfinalized
	// record whose lease has expired. It reports alreadyProcessed when the
	// record is finalized or another handler holds a live claim.
	CheckAndRecord(ctx context.Context, req *ClaimRequest) (alreadyProcessed bool, err error)

	// MarkProcessed finalizes the record. organizationID may be empty for
	// events that could not be resolved.
	MarkProcessed(ctx context.Context, eventID, organizationID string, at time.Time) error

	// GetProcessedEvent returns the record, or ErrNotFound.
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)
}

// ClaimRequest is the input of Ledger.CheckAndRecord.
type ClaimRequest struct {
	EventID        string
	EventType      string
	OrganizationID string
	Now            time.Time

	// ClaimTTL is how long the caller holds the record before a redelivery may take it over.
	ClaimTTL time.Duration
}

// ResolverStore provides the read-only lookups used by the tenant resolver.
// Each method returns ErrNotFound when nothing matches.
type ResolverStore interface {
	OrganizationBySubscription(ctx context.Context, subscriptionID string) (string, error)
	OrganizationByCustomer(ctx context.Context, customerID string) (string, error)
	OrganizationByOrder(ctx context.Context, orderID string) (string, error)
	OrganizationByCheckoutSession(ctx context.Context, sessionID string) (string, error)
}

// AuditLog is the append-only audit trail.
type AuditLog interface {
	// AppendAudit writes one entry outside of any state transition.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// ListAudit returns entries matching the filter, newest first.
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Store is the persistence used by the engine for state transitions.
type Store interface {
	ResolverStore
	AuditLog

	// WithinTx runs fn in one atomic transaction. If fn returns an error
	// nothing fn wrote is visible afterwards.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside Store.WithinTx.
// Reads lock the returned rows until the transaction ends where the backend supports it.
type Tx interface {
	// BillingState returns the organization's billing state, or ErrNotFound.
	BillingState(ctx context.Context, organizationID string) (*BillingState, error)

	// SaveBillingState upserts the state. Implementations must keep an
	// existing SetupFeePaidAt regardless of the value passed in.
	SaveBillingState(ctx context.Context, state *BillingState) error

	// PaymentLinkBySession returns the link for a checkout session, or ErrNotFound.
	PaymentLinkBySession(ctx context.Context, sessionID string) (*PaymentLink, error)
	SavePaymentLink(ctx context.Context, link *PaymentLink) error

	// Order returns an order, or ErrNotFound.
	Order(ctx context.Context, orderID string) (*Order, error)
	SaveOrder(ctx context.Context, order *Order) error

	AppendOrderEvents(ctx context.Context, events ...*OrderEvent) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// TxLedger is implemented by transactions of stores that also hold the
// idempotency ledger. When Config.Ledger and Config.Store are the same
// value the engine finalizes the event inside the transaction that applies it.
type TxLedger interface {
	MarkProcessed(ctx context.Context, eventID, organizationID string, at time.Time) error
}

// OrderEventReader is implemented by stores that can list an order's history.
type OrderEventReader interface {
	OrderEvents(ctx context.Context, orderID string) ([]*OrderEvent, error)
}
