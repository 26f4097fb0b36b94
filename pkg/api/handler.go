package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	statusProcessed = "processed"
	statusInFlight  = "in_flight"
	statusAbandoned = "abandoned"
	maxIDLen        = 255
)

// Handler provides read-only HTTP endpoints for operators investigating
// webhook processing
type Handler struct {
	config Config
	now    func() time.Time
}

// ListAudit returns audit entries filtered by the organization_id,
// event_id, action, since (RFC 3339) and limit query parameters.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := h.auditFilter(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	entries, err := h.config.Audit.ListAudit(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list audit entries: %w", err), http.StatusInternalServerError)
		return
	}

	resp := AuditListResponse{Entries: make([]AuditEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toAuditEntry(e))
	}
	resp.Count = len(resp.Entries)
	writeJSON(w, http.StatusOK, resp)
}

// GetProcessedEvent returns the ledger record for the "id" path parameter.
func (h *Handler) GetProcessedEvent(w http.ResponseWriter, r *http.Request) {
	eventID := h.config.GetPathParam(r, "id")
	if eventID == "" || len(eventID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("invalid event id"), http.StatusBadRequest)
		return
	}

	rec, err := h.config.Ledger.GetProcessedEvent(r.Context(), eventID)
	if errors.Is(err, paysync.ErrNotFound) {
		h.handleError(w, r, fmt.Errorf("event %s not found", eventID), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get event: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ProcessedEventResponse{
		EventID:        rec.EventID,
		EventType:      rec.EventType,
		OrganizationID: rec.OrganizationID,
		Status:         recordStatus(rec, h.now()),
		Attempts:       rec.Attempts,
		ReceivedAt:     rec.ReceivedAt,
		ClaimedUntil:   rec.ClaimedUntil,
		ProcessedAt:    rec.ProcessedAt,
	})
}

// GetOrderEvents returns the event history of the order in the "id" path parameter.
func (h *Handler) GetOrderEvents(w http.ResponseWriter, r *http.Request) {
	if h.config.Orders == nil {
		h.handleError(w, r, fmt.Errorf("order history not available"), http.StatusNotImplemented)
		return
	}
	orderID := h.config.GetPathParam(r, "id")
	if orderID == "" || len(orderID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("invalid order id"), http.StatusBadRequest)
		return
	}

	events, err := h.config.Orders.OrderEvents(r.Context(), orderID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list order events: %w", err), http.StatusInternalServerError)
		return
	}

	resp := OrderEventsResponse{OrderID: orderID, Events: make([]OrderEvent, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, OrderEvent{
			ID:             e.ID,
			Type:           string(e.Type),
			EventID:        e.EventID,
			PreviousStatus: e.PreviousStatus,
			NewStatus:      e.NewStatus,
			Metadata:       e.Metadata,
			CreatedAt:      e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) auditFilter(r *http.Request) (paysync.AuditFilter, error) {
	q := r.URL.Query()
	filter := paysync.AuditFilter{
		OrganizationID: q.Get("organization_id"),
		EventID:        q.Get("event_id"),
		Action:         q.Get("action"),
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid since: %w", err)
		}
		filter.Since = &since
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("invalid limit: %q", raw)
		}
		if limit > h.config.MaxLimit {
			limit = h.config.MaxLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

// recordStatus describes where a ledger record stands. An unfinalized
// record past its lease is abandoned until a redelivery claims it.
func recordStatus(rec *paysync.ProcessedEvent, now time.Time) string {
	switch {
	case rec.ProcessedAt != nil:
		return statusProcessed
	case now.Before(rec.ClaimedUntil):
		return statusInFlight
	default:
		return statusAbandoned
	}
}

func toAuditEntry(e *paysync.AuditEntry) AuditEntry {
	return AuditEntry{
		ID:             e.ID,
		OrganizationID: e.OrganizationID,
		OrderID:        e.OrderID,
		EventID:        e.EventID,
		EventType:      e.EventType,
		Action:         e.Action,
		Severity:       string(e.Severity),
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		Reason:         e.Reason,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("admin api request failed",
			paysync.Field{Key: "path", Value: r.URL.Path},
			paysync.Field{Key: "error", Value: err.Error()})
	}
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, status)
		return
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
