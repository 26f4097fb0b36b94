package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Config holds configuration for the admin read API handler
type Config struct {
	// Ledger answers processed-event lookups (required)
	Ledger paysync.Ledger

	// Audit answers audit trail queries (required)
	Audit paysync.AuditLog

	// Orders lists an order's event history. If nil, GetOrderEvents answers 501.
	Orders paysync.OrderEventReader

	// GetPathParam extracts a named path parameter from the request.
	// If nil, uses http.Request.PathValue.
	GetPathParam func(r *http.Request, name string) string

	// MaxLimit caps the limit query parameter of ListAudit.
	// Default: 1000
	MaxLimit int

	// OnError handles errors (bad request, not found, internal).
	// If nil, uses default JSON error responses
	OnError func(w http.ResponseWriter, r *http.Request, err error, status int)

	// Logger records internal errors. If nil, errors are not logged
	Logger paysync.Logger
}

// DefaultMaxLimit is the default cap on audit queries.
const DefaultMaxLimit = 1000

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Audit == nil {
		return fmt.Errorf("audit log is required")
	}
	return nil
}

// NewHandler creates a new admin API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetPathParam == nil {
		config.GetPathParam = func(r *http.Request, name string) string {
			return r.PathValue(name)
		}
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = DefaultMaxLimit
	}
	if config.Logger == nil {
		config.Logger = &paysync.NoopLogger{}
	}
	return &Handler{
		config: config,
		now:    time.Now,
	}, nil
}
