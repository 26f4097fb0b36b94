// Package memory provides an in-memory implementation of the paysync.Ledger
// and paysync.Store interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Storage implements paysync.Ledger and paysync.Store using in-memory maps
type Storage struct {
	mu        sync.RWMutex
	processed map[string]*paysync.ProcessedEvent
	billing   map[string]*paysync.BillingState
	orders    map[string]*paysync.Order
	links     map[string]*paysync.PaymentLink // keyed by checkout session id
	events    []*paysync.OrderEvent
	audit     []*paysync.AuditEntry

	// txMu serializes transactions, standing in for row locks
	txMu sync.Mutex
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		processed: make(map[string]*paysync.ProcessedEvent),
		billing:   make(map[string]*paysync.BillingState),
		orders:    make(map[string]*paysync.Order),
		links:     make(map[string]*paysync.PaymentLink),
	}
}

// CheckAndRecord implements paysync.Ledger
func (s *Storage) CheckAndRecord(_ context.Context, req *paysync.ClaimRequest) (bool, error) {
	if req == nil || req.EventID == "" {
		return false, fmt.Errorf("invalid claim request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.processed[req.EventID]
	if !ok {
		s.processed[req.EventID] = &paysync.ProcessedEvent{
			EventID:        req.EventID,
			EventType:      req.EventType,
			OrganizationID: req.OrganizationID,
			ReceivedAt:     req.Now,
			ClaimedUntil:   req.Now.Add(req.ClaimTTL),
			Attempts:       1,
		}
		return false, nil
	}

	if rec.ProcessedAt != nil || req.Now.Before(rec.ClaimedUntil) {
		return true, nil
	}

	// lease expired without finalization
	rec.ClaimedUntil = req.Now.Add(req.ClaimTTL)
	rec.Attempts++
	return false, nil
}

// MarkProcessed implements paysync.Ledger
func (s *Storage) MarkProcessed(_ context.Context, eventID, organizationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.processed[eventID]
	if !ok {
		return paysync.ErrNotFound
	}
	if rec.ProcessedAt != nil {
		return nil
	}
	processedAt := at
	rec.ProcessedAt = &processedAt
	if organizationID != "" {
		rec.OrganizationID = organizationID
	}
	return nil
}

// GetProcessedEvent implements paysync.Ledger
func (s *Storage) GetProcessedEvent(_ context.Context, eventID string) (*paysync.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.processed[eventID]
	if !ok {
		return nil, paysync.ErrNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

// OrganizationBySubscription implements paysync.ResolverStore
func (s *Storage) OrganizationBySubscription(_ context.Context, subscriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.billing {
		if state.SubscriptionID == subscriptionID {
			return state.OrganizationID, nil
		}
	}
	return "", paysync.ErrNotFound
}

// OrganizationByCustomer implements paysync.ResolverStore
func (s *Storage) OrganizationByCustomer(_ context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.billing {
		if state.CustomerID == customerID {
			return state.OrganizationID, nil
		}
	}
	return "", paysync.ErrNotFound
}

// OrganizationByOrder implements paysync.ResolverStore
func (s *Storage) OrganizationByOrder(_ context.Context, orderID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if order, ok := s.orders[orderID]; ok {
		return order.OrganizationID, nil
	}
	return "", paysync.ErrNotFound
}

// OrganizationByCheckoutSession implements paysync.ResolverStore
func (s *Storage) OrganizationByCheckoutSession(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if link, ok := s.links[sessionID]; ok {
		return link.OrganizationID, nil
	}
	return "", paysync.ErrNotFound
}

// AppendAudit implements paysync.AuditLog
func (s *Storage) AppendAudit(_ context.Context, entry *paysync.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, copyAudit(entry))
	return nil
}

// ListAudit implements paysync.AuditLog
func (s *Storage) ListAudit(_ context.Context, filter paysync.AuditFilter) ([]*paysync.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.EffectiveLimit()
	var out []*paysync.AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Matches(s.audit[i]) {
			out = append(out, copyAudit(s.audit[i]))
		}
	}
	return out, nil
}

// OrderEvents implements paysync.OrderEventReader
func (s *Storage) OrderEvents(_ context.Context, orderID string) ([]*paysync.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*paysync.OrderEvent
	for _, ev := range s.events {
		if ev.OrderID == orderID {
			evCopy := *ev
			out = append(out, &evCopy)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// WithinTx implements paysync.Store. Writes are buffered and applied only
// when fn returns nil.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx paysync.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		s:       s,
		billing: make(map[string]*paysync.BillingState),
		orders:  make(map[string]*paysync.Order),
		links:   make(map[string]*paysync.PaymentLink),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, state := range tx.billing {
		if existing, ok := s.billing[id]; ok && existing.SetupFeePaidAt != nil {
			state.SetupFeePaidAt = existing.SetupFeePaidAt
		}
		s.billing[id] = state
	}
	for id, order := range tx.orders {
		s.orders[id] = order
	}
	for session, link := range tx.links {
		s.links[session] = link
	}
	s.events = append(s.events, tx.events...)
	s.audit = append(s.audit, tx.audit...)
	if m := tx.mark; m != nil {
		if rec, ok := s.processed[m.eventID]; ok && rec.ProcessedAt == nil {
			processedAt := m.at
			rec.ProcessedAt = &processedAt
			if m.organizationID != "" {
				rec.OrganizationID = m.organizationID
			}
		}
	}
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed = make(map[string]*paysync.ProcessedEvent)
	s.billing = make(map[string]*paysync.BillingState)
	s.orders = make(map[string]*paysync.Order)
	s.links = make(map[string]*paysync.PaymentLink)
	s.events = nil
	s.audit = nil
}

// memoryTx buffers the writes of one transaction. Reads see the buffered
// writes first.
type memoryTx struct {
	s       *Storage
	billing map[string]*paysync.BillingState
	orders  map[string]*paysync.Order
	links   map[string]*paysync.PaymentLink
	events  []*paysync.OrderEvent
	audit   []*paysync.AuditEntry
	mark    *pendingMark
}

type pendingMark struct {
	eventID        string
	organizationID string
	at             time.Time
}

func (tx *memoryTx) BillingState(_ context.Context, organizationID string) (*paysync.BillingState, error) {
	if state, ok := tx.billing[organizationID]; ok {
		stateCopy := *state
		return &stateCopy, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	state, ok := tx.s.billing[organizationID]
	if !ok {
		return nil, paysync.ErrNotFound
	}
	stateCopy := *state
	return &stateCopy, nil
}

func (tx *memoryTx) SaveBillingState(_ context.Context, state *paysync.BillingState) error {
	if state == nil || state.OrganizationID == "" {
		return fmt.Errorf("invalid billing state")
	}
	stateCopy := *state
	tx.billing[state.OrganizationID] = &stateCopy
	return nil
}

func (tx *memoryTx) PaymentLinkBySession(_ context.Context, sessionID string) (*paysync.PaymentLink, error) {
	if link, ok := tx.links[sessionID]; ok {
		linkCopy := *link
		return &linkCopy, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	link, ok := tx.s.links[sessionID]
	if !ok {
		return nil, paysync.ErrNotFound
	}
	linkCopy := *link
	return &linkCopy, nil
}

func (tx *memoryTx) SavePaymentLink(_ context.Context, link *paysync.PaymentLink) error {
	if link == nil || link.CheckoutSessionID == "" {
		return fmt.Errorf("invalid payment link")
	}
	linkCopy := *link
	tx.links[link.CheckoutSessionID] = &linkCopy
	return nil
}

func (tx *memoryTx) Order(_ context.Context, orderID string) (*paysync.Order, error) {
	if order, ok := tx.orders[orderID]; ok {
		orderCopy := *order
		return &orderCopy, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	order, ok := tx.s.orders[orderID]
	if !ok {
		return nil, paysync.ErrNotFound
	}
	orderCopy := *order
	return &orderCopy, nil
}

func (tx *memoryTx) SaveOrder(_ context.Context, order *paysync.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("invalid order")
	}
	orderCopy := *order
	tx.orders[order.ID] = &orderCopy
	return nil
}

func (tx *memoryTx) AppendOrderEvents(_ context.Context, events ...*paysync.OrderEvent) error {
	for _, ev := range events {
		if ev == nil {
			return fmt.Errorf("invalid order event")
		}
		evCopy := *ev
		tx.events = append(tx.events, &evCopy)
	}
	return nil
}

func (tx *memoryTx) AppendAudit(_ context.Context, entry *paysync.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}
	tx.audit = append(tx.audit, copyAudit(entry))
	return nil
}

// MarkProcessed implements paysync.TxLedger. The record is finalized on commit.
func (tx *memoryTx) MarkProcessed(_ context.Context, eventID, organizationID string, at time.Time) error {
	tx.s.mu.RLock()
	_, ok := tx.s.processed[eventID]
	tx.s.mu.RUnlock()
	if !ok {
		return paysync.ErrNotFound
	}
	tx.mark = &pendingMark{eventID: eventID, organizationID: organizationID, at: at}
	return nil
}

func copyAudit(entry *paysync.AuditEntry) *paysync.AuditEntry {
	entryCopy := *entry
	entryCopy.Metadata = make(map[string]string, len(entry.Metadata))
	for k, v := range entry.Metadata {
		entryCopy.Metadata[k] = v
	}
	return &entryCopy
}
