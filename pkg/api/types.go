package api

import "time"

// AuditListResponse is the result of an audit trail query, newest first
type AuditListResponse struct {
	Entries []AuditEntry `json:"entries"`
	Count   int          `json:"count"`
}

// AuditEntry is the JSON form of paysync.AuditEntry
type AuditEntry struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id,omitempty"`
	OrderID        string            `json:"order_id,omitempty"`
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	Action         string            `json:"action"`
	Severity       string            `json:"severity"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	NewStatus      string            `json:"new_status,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ProcessedEventResponse is the ledger record of one processor event
type ProcessedEventResponse struct {
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Status         string     `json:"status"` // "processed", "in_flight", "abandoned"
	Attempts       int        `json:"attempts"`
	ReceivedAt     time.Time  `json:"received_at"`
	ClaimedUntil   time.Time  `json:"claimed_until"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// OrderEventsResponse is an order's event history, oldest first
type OrderEventsResponse struct {
	OrderID string       `json:"order_id"`
	Events  []OrderEvent `json:"events"`
}

// OrderEvent is the JSON form of paysync.OrderEvent
type OrderEvent struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	EventID        string            `json:"event_id"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	NewStatus      string            `json:"new_status,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ErrorResponse is returned by the default error handler
type ErrorResponse struct {
	Error string `json:"error"`
}
