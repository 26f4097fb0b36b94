package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// pgTx implements paysync.Tx on top of one pgx transaction.
// Reads take row locks that are held until commit.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) BillingState(ctx context.Context, organizationID string) (*paysync.BillingState, error) {
	var state paysync.BillingState
	var status string
	var subscriptionID, customerID *string

	err := t.tx.QueryRow(ctx,
		`SELECT organization_id, status, subscription_id, customer_id, current_period_end,
				setup_fee_paid_at, updated_at
			FROM organization_billing WHERE organization_id = $1
			FOR UPDATE`,
		organizationID).Scan(
		&state.OrganizationID,
		&status,
		&subscriptionID,
		&customerID,
		&state.CurrentPeriodEnd,
		&state.SetupFeePaidAt,
		&state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing state: %w", err)
	}

	state.Status = paysync.BillingStatus(status)
	state.SubscriptionID = deref(subscriptionID)
	state.CustomerID = deref(customerID)
	return &state, nil
}

// SaveBillingState upserts the state; setup_fee_paid_at is only ever filled, never replaced.
func (t *pgTx) SaveBillingState(ctx context.Context, state *paysync.BillingState) error {
	if state == nil || state.OrganizationID == "" {
		return fmt.Errorf("invalid billing state")
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO organization_billing
				(organization_id, status, subscription_id, customer_id, current_period_end, setup_fee_paid_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (organization_id) DO UPDATE SET
				status = EXCLUDED.status,
				subscription_id = EXCLUDED.subscription_id,
				customer_id = EXCLUDED.customer_id,
				current_period_end = EXCLUDED.current_period_end,
				setup_fee_paid_at = COALESCE(organization_billing.setup_fee_paid_at, EXCLUDED.setup_fee_paid_at),
				updated_at = EXCLUDED.updated_at`,
		state.OrganizationID, string(state.Status), nullable(state.SubscriptionID), nullable(state.CustomerID),
		state.CurrentPeriodEnd, state.SetupFeePaidAt, state.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save billing state: %w", err)
	}
	return nil
}

func (t *pgTx) PaymentLinkBySession(ctx context.Context, sessionID string) (*paysync.PaymentLink, error) {
	var link paysync.PaymentLink
	var status string

	err := t.tx.QueryRow(ctx,
		`SELECT id, order_id, organization_id, checkout_session_id, status, payment_intent_id,
				created_at, completed_at, expired_at
			FROM order_payment_links WHERE checkout_session_id = $1
			FOR UPDATE`,
		sessionID).Scan(
		&link.ID,
		&link.OrderID,
		&link.OrganizationID,
		&link.CheckoutSessionID,
		&status,
		&link.PaymentIntentID,
		&link.CreatedAt,
		&link.CompletedAt,
		&link.ExpiredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment link: %w", err)
	}

	link.Status = paysync.LinkStatus(status)
	return &link, nil
}

func (t *pgTx) SavePaymentLink(ctx context.Context, link *paysync.PaymentLink) error {
	if link == nil || link.ID == "" || link.CheckoutSessionID == "" {
		return fmt.Errorf("invalid payment link")
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_payment_links
				(id, order_id, organization_id, checkout_session_id, status, payment_intent_id,
				created_at, completed_at, expired_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				payment_intent_id = EXCLUDED.payment_intent_id,
				completed_at = EXCLUDED.completed_at,
				expired_at = EXCLUDED.expired_at`,
		link.ID, link.OrderID, link.OrganizationID, link.CheckoutSessionID, string(link.Status),
		link.PaymentIntentID, link.CreatedAt.UTC(), link.CompletedAt, link.ExpiredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment link: %w", err)
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, orderID string) (*paysync.Order, error) {
	var order paysync.Order
	var status, paymentStatus string

	err := t.tx.QueryRow(ctx,
		`SELECT id, organization_id, reference, status, payment_status, payment_attempt_count,
				channel, customer_contact, updated_at
			FROM orders WHERE id = $1
			FOR UPDATE`,
		orderID).Scan(
		&order.ID,
		&order.OrganizationID,
		&order.Reference,
		&status,
		&paymentStatus,
		&order.PaymentAttemptCount,
		&order.Channel,
		&order.CustomerContact,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order.Status = paysync.OrderStatus(status)
	order.PaymentStatus = paysync.PaymentStatus(paymentStatus)
	return &order, nil
}

func (t *pgTx) SaveOrder(ctx context.Context, order *paysync.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("invalid order")
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders
				(id, organization_id, reference, status, payment_status, payment_attempt_count,
				channel, customer_contact, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				payment_status = EXCLUDED.payment_status,
				payment_attempt_count = EXCLUDED.payment_attempt_count,
				updated_at = EXCLUDED.updated_at`,
		order.ID, order.OrganizationID, order.Reference, string(order.Status), string(order.PaymentStatus),
		order.PaymentAttemptCount, order.Channel, order.CustomerContact, order.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (t *pgTx) AppendOrderEvents(ctx context.Context, events ...*paysync.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		if ev == nil || ev.ID == "" {
			return fmt.Errorf("invalid order event")
		}
		metadata, err := encodeMetadata(ev.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO order_events
					(id, order_id, organization_id, type, event_id, previous_status, new_status, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ID, ev.OrderID, ev.OrganizationID, string(ev.Type), ev.EventID,
			ev.PreviousStatus, ev.NewStatus, metadata, ev.CreatedAt.UTC(),
		)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to append order events: %w", err)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, entry *paysync.AuditEntry) error {
	return insertAudit(ctx, t.tx, entry)
}

// MarkProcessed implements paysync.TxLedger
func (t *pgTx) MarkProcessed(ctx context.Context, eventID, organizationID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE processed_events SET
				processed_at = COALESCE(processed_at, $2),
				organization_id = COALESCE(NULLIF($3, ''), organization_id)
			WHERE event_id = $1`,
		eventID, at.UTC(), organizationID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return paysync.ErrNotFound
	}
	return nil
}
