// Package firestore provides a Firestore implementation of the paysync.Ledger
// and paysync.AuditLog interfaces.
// Claims run in Firestore transactions, which retry on contention, so
// concurrent deliveries of one event across processes resolve to a single owner.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Storage implements paysync.Ledger and paysync.AuditLog using Google Cloud Firestore
type Storage struct {
	client           *firestore.Client
	eventsCollection string
	auditCollection  string
}

// Config holds Firestore storage configuration
type Config struct {
	// EventsCollection is the Firestore collection for the idempotency ledger
	// Default: "paysync_processed_events"
	EventsCollection string

	// AuditCollection is the Firestore collection for the audit trail
	// Default: "paysync_audit_log"
	AuditCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EventsCollection == "" {
		config.EventsCollection = "paysync_processed_events"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "paysync_audit_log"
	}

	return &Storage{
		client:           client,
		eventsCollection: config.EventsCollection,
		auditCollection:  config.AuditCollection,
	}, nil
}

// CheckAndRecord implements paysync.Ledger
func (s *Storage) CheckAndRecord(ctx context.Context, req *paysync.ClaimRequest) (bool, error) {
	if req == nil || req.EventID == "" {
		return false, fmt.Errorf("invalid claim request")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(req.EventID)
	leaseEnd := req.Now.Add(req.ClaimTTL).UTC()

	var alreadyProcessed bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// the closure may run more than once
		alreadyProcessed = false

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snap == nil || !snap.Exists() {
			return tx.Create(doc, map[string]interface{}{
				"eventType":      req.EventType,
				"organizationId": req.OrganizationID,
				"receivedAt":     req.Now.UTC(),
				"claimedUntil":   leaseEnd,
				"attempts":       1,
			})
		}

		rec := recordFromData(req.EventID, snap.Data())
		if rec.ProcessedAt != nil || req.Now.Before(rec.ClaimedUntil) {
			alreadyProcessed = true
			return nil
		}

		return tx.Update(doc, []firestore.Update{
			{Path: "claimedUntil", Value: leaseEnd},
			{Path: "attempts", Value: firestore.Increment(1)},
		})
	})
	if err != nil {
		return false, fmt.Errorf("%w: failed to claim event: %w", paysync.ErrStorageUnavailable, err)
	}
	return alreadyProcessed, nil
}

// MarkProcessed implements paysync.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID, organizationID string, at time.Time) error {
	doc := s.client.Collection(s.eventsCollection).Doc(eventID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			return err
		}

		var updates []firestore.Update
		if _, ok := snap.Data()["processedAt"].(time.Time); !ok {
			updates = append(updates, firestore.Update{Path: "processedAt", Value: at.UTC()})
		}
		if organizationID != "" {
			updates = append(updates, firestore.Update{Path: "organizationId", Value: organizationID})
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(doc, updates)
	})
	if status.Code(err) == codes.NotFound {
		return paysync.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: failed to mark event processed: %w", paysync.ErrStorageUnavailable, err)
	}
	return nil
}

// GetProcessedEvent implements paysync.Ledger
func (s *Storage) GetProcessedEvent(ctx context.Context, eventID string) (*paysync.ProcessedEvent, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, paysync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}
	if !snap.Exists() {
		return nil, paysync.ErrNotFound
	}
	return recordFromData(eventID, snap.Data()), nil
}

// AppendAudit implements paysync.AuditLog
func (s *Storage) AppendAudit(ctx context.Context, entry *paysync.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	_, err := s.client.Collection(s.auditCollection).Doc(entry.ID).Create(ctx, auditToData(entry))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit implements paysync.AuditLog
func (s *Storage) ListAudit(ctx context.Context, filter paysync.AuditFilter) ([]*paysync.AuditEntry, error) {
	query := s.client.Collection(s.auditCollection).Query
	if filter.OrganizationID != "" {
		query = query.Where("organizationId", "==", filter.OrganizationID)
	}
	if filter.EventID != "" {
		query = query.Where("eventId", "==", filter.EventID)
	}
	if filter.Action != "" {
		query = query.Where("action", "==", filter.Action)
	}
	if filter.Since != nil {
		query = query.Where("createdAt", ">=", filter.Since.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).Limit(filter.EffectiveLimit())

	iter := query.Documents(ctx)
	defer iter.Stop()

	var entries []*paysync.AuditEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list audit entries: %w", err)
		}
		entries = append(entries, auditFromData(snap.Ref.ID, snap.Data()))
	}
	return entries, nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func recordFromData(eventID string, data map[string]interface{}) *paysync.ProcessedEvent {
	rec := &paysync.ProcessedEvent{
		EventID:        eventID,
		EventType:      getString(data, "eventType"),
		OrganizationID: getString(data, "organizationId"),
		ReceivedAt:     getTime(data, "receivedAt"),
		ClaimedUntil:   getTime(data, "claimedUntil"),
		Attempts:       getInt(data, "attempts"),
	}
	if processedAt, ok := data["processedAt"].(time.Time); ok && !processedAt.IsZero() {
		rec.ProcessedAt = &processedAt
	}
	return rec
}

func auditToData(e *paysync.AuditEntry) map[string]interface{} {
	metadata := make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	return map[string]interface{}{
		"organizationId": e.OrganizationID,
		"orderId":        e.OrderID,
		"eventId":        e.EventID,
		"eventType":      e.EventType,
		"action":         e.Action,
		"severity":       string(e.Severity),
		"previousStatus": e.PreviousStatus,
		"newStatus":      e.NewStatus,
		"reason":         e.Reason,
		"metadata":       metadata,
		"createdAt":      e.CreatedAt.UTC(),
	}
}

func auditFromData(id string, data map[string]interface{}) *paysync.AuditEntry {
	entry := &paysync.AuditEntry{
		ID:             id,
		OrganizationID: getString(data, "organizationId"),
		OrderID:        getString(data, "orderId"),
		EventID:        getString(data, "eventId"),
		EventType:      getString(data, "eventType"),
		Action:         getString(data, "action"),
		Severity:       paysync.Severity(getString(data, "severity")),
		PreviousStatus: getString(data, "previousStatus"),
		NewStatus:      getString(data, "newStatus"),
		Reason:         getString(data, "reason"),
		Metadata:       map[string]string{},
		CreatedAt:      getTime(data, "createdAt"),
	}
	if m, ok := data["metadata"].(map[string]interface{}); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				entry.Metadata[k] = s
			}
		}
	}
	return entry
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
