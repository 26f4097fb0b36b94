// Package postgres provides a PostgreSQL implementation of the paysync.Ledger
// and paysync.Store interfaces.
// The ledger claim is a single INSERT ... ON CONFLICT statement; state
// transitions run in one transaction with SELECT FOR UPDATE on the rows they change.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Storage implements paysync.Ledger and paysync.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// EnsureSchema creates missing tables on startup
	EnsureSchema bool

	// Cleanup configuration. Ledger records are kept forever unless both
	// CleanupEnabled and a positive LedgerRetention are set.
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	LedgerRetention time.Duration // How long finalized ledger records are kept (0 = forever)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		EnsureSchema:    true,
		CleanupEnabled:  false,
		CleanupInterval: 1 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", paysync.ErrStorageUnavailable, err)
	}

	s := NewWithPool(pool, config)

	if config.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	// Start cleanup goroutine if enabled
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.LedgerRetention > 0 {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// NewWithPool wraps an existing pool. Schema creation and cleanup are left to the caller.
func NewWithPool(pool *pgxpool.Pool, config Config) *Storage {
	return &Storage{pool: pool, config: config}
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup() // Stop the background cleanup routine
	}
	if s.pool != nil {
		s.pool.Close() // Close PG connection pool
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and indexes used by the store.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// CheckAndRecord implements paysync.Ledger. The insert and the takeover of
// an expired, unfinalized claim are one statement; no row back means the
// event is finalized or claimed by someone else.
func (s *Storage) CheckAndRecord(ctx context.Context, req *paysync.ClaimRequest) (bool, error) {
	if req == nil || req.EventID == "" {
		return false, fmt.Errorf("invalid claim request")
	}

	var attempts int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO processed_events
				(event_id, event_type, organization_id, received_at, claimed_until, attempts)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, 1)
			ON CONFLICT (event_id) DO UPDATE SET
				claimed_until = EXCLUDED.claimed_until,
				attempts = processed_events.attempts + 1
			WHERE processed_events.processed_at IS NULL
				AND processed_events.claimed_until <= EXCLUDED.received_at
			RETURNING attempts`,
		req.EventID, req.EventType, req.OrganizationID, req.Now.UTC(), req.Now.Add(req.ClaimTTL).UTC(),
	).Scan(&attempts)

	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to claim event: %w", paysync.ErrStorageUnavailable, err)
	}
	return false, nil
}

// MarkProcessed implements paysync.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID, organizationID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processed_events SET
				processed_at = COALESCE(processed_at, $2),
				organization_id = COALESCE(NULLIF($3, ''), organization_id)
			WHERE event_id = $1`,
		eventID, at.UTC(), organizationID)
	if err != nil {
		return fmt.Errorf("%w: failed to mark event processed: %w", paysync.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return paysync.ErrNotFound
	}
	return nil
}

// GetProcessedEvent implements paysync.Ledger
func (s *Storage) GetProcessedEvent(ctx context.Context, eventID string) (*paysync.ProcessedEvent, error) {
	var rec paysync.ProcessedEvent
	var orgID *string

	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, organization_id, received_at, claimed_until, attempts, processed_at
			FROM processed_events WHERE event_id = $1`,
		eventID).Scan(
		&rec.EventID,
		&rec.EventType,
		&orgID,
		&rec.ReceivedAt,
		&rec.ClaimedUntil,
		&rec.Attempts,
		&rec.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}

	rec.OrganizationID = deref(orgID)
	return &rec, nil
}

// OrganizationBySubscription implements paysync.ResolverStore
func (s *Storage) OrganizationBySubscription(ctx context.Context, subscriptionID string) (string, error) {
	return s.lookupOrganization(ctx,
		`SELECT organization_id FROM organization_billing WHERE subscription_id = $1`, subscriptionID)
}

// OrganizationByCustomer implements paysync.ResolverStore
func (s *Storage) OrganizationByCustomer(ctx context.Context, customerID string) (string, error) {
	return s.lookupOrganization(ctx,
		`SELECT organization_id FROM organization_billing WHERE customer_id = $1
			ORDER BY updated_at DESC LIMIT 1`, customerID)
}

// OrganizationByOrder implements paysync.ResolverStore
func (s *Storage) OrganizationByOrder(ctx context.Context, orderID string) (string, error) {
	return s.lookupOrganization(ctx,
		`SELECT organization_id FROM orders WHERE id = $1`, orderID)
}

// OrganizationByCheckoutSession implements paysync.ResolverStore
func (s *Storage) OrganizationByCheckoutSession(ctx context.Context, sessionID string) (string, error) {
	return s.lookupOrganization(ctx,
		`SELECT organization_id FROM order_payment_links WHERE checkout_session_id = $1`, sessionID)
}

func (s *Storage) lookupOrganization(ctx context.Context, query, key string) (string, error) {
	if key == "" {
		return "", paysync.ErrNotFound
	}
	var orgID string
	err := s.pool.QueryRow(ctx, query, key).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", paysync.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve organization: %w", err)
	}
	return orgID, nil
}

// AppendAudit implements paysync.AuditLog
func (s *Storage) AppendAudit(ctx context.Context, entry *paysync.AuditEntry) error {
	return insertAudit(ctx, s.pool, entry)
}

// ListAudit implements paysync.AuditLog
func (s *Storage) ListAudit(ctx context.Context, filter paysync.AuditFilter) ([]*paysync.AuditEntry, error) {
	query, args := auditQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*paysync.AuditEntry
	for rows.Next() {
		var e paysync.AuditEntry
		var orgID, orderID *string
		var severity string
		var metadata []byte
		if err := rows.Scan(
			&e.ID, &orgID, &orderID, &e.EventID, &e.EventType, &e.Action, &severity,
			&e.PreviousStatus, &e.NewStatus, &e.Reason, &metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.OrganizationID = deref(orgID)
		e.OrderID = deref(orderID)
		e.Severity = paysync.Severity(severity)
		if e.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// auditQuery translates the filter into a parameterized SELECT.
func auditQuery(filter paysync.AuditFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.EventID != "" {
		add("event_id = $%d", filter.EventID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Since != nil {
		add("created_at >= $%d", filter.Since.UTC())
	}

	var b strings.Builder
	b.WriteString(`SELECT id, organization_id, order_id, event_id, event_type, action, severity,
			previous_status, new_status, reason, metadata, created_at
		FROM audit_log`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, filter.EffectiveLimit())
	fmt.Fprintf(&b, " ORDER BY created_at DESC, seq DESC LIMIT $%d", len(args))
	return b.String(), args
}

// OrderEvents implements paysync.OrderEventReader
func (s *Storage) OrderEvents(ctx context.Context, orderID string) ([]*paysync.OrderEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, organization_id, type, event_id, previous_status, new_status, metadata, created_at
			FROM order_events WHERE order_id = $1 ORDER BY created_at, seq`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	defer rows.Close()

	var events []*paysync.OrderEvent
	for rows.Next() {
		var ev paysync.OrderEvent
		var typ string
		var metadata []byte
		if err := rows.Scan(
			&ev.ID, &ev.OrderID, &ev.OrganizationID, &typ, &ev.EventID,
			&ev.PreviousStatus, &ev.NewStatus, &metadata, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		ev.Type = paysync.OrderEventType(typ)
		if ev.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	return events, nil
}

// WithinTx implements paysync.Store
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx paysync.Tx) error) error {
	// Start transaction
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", paysync.ErrStorageUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of old finalized ledger records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // retried on the next tick
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes finalized ledger records older than LedgerRetention.
// It does nothing when LedgerRetention is zero. Unfinalized records are never removed.
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.LedgerRetention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.config.LedgerRetention)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertAudit(ctx context.Context, db execer, entry *paysync.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx,
		`INSERT INTO audit_log
				(id, organization_id, order_id, event_id, event_type, action, severity,
				previous_status, new_status, reason, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, nullable(entry.OrganizationID), nullable(entry.OrderID), entry.EventID, entry.EventType,
		entry.Action, string(entry.Severity), entry.PreviousStatus, entry.NewStatus, entry.Reason,
		metadata, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}
