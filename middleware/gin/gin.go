// Package gin exposes billing providers as Gin handlers
package gin

import (
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/paysync/pkg/billing"
)

// Config holds webhook handler configuration
type Config struct {
	// Provider verifies and processes deliveries (required)
	Provider billing.Provider

	// OnDelivery is called after each delivery has been answered.
	// It should ONLY read from the context; the response is already written.
	OnDelivery func(c *gongin.Context, d billing.Delivery)
}

// Webhook creates a Gin handler that feeds the request body to the provider
func Webhook(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Provider == nil {
		panic("paysync/gin: Config.Provider is required")
	}

	return func(c *gongin.Context) {
		limit := cfg.Provider.MaxBodyBytes()
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, billing.DeliveryResponse{Error: "invalid_payload"})
			return
		}

		d := cfg.Provider.HandleDelivery(c.Request.Context(), payload, c.Request.Header)
		c.Header("X-Content-Type-Options", "nosniff")
		c.JSON(d.StatusCode, d.Body)

		if cfg.OnDelivery != nil {
			cfg.OnDelivery(c, d)
		}
	}
}

// Register adds one POST route per provider to the group, named after
// Provider.Name.
func Register(group gongin.IRoutes, providers ...billing.Provider) {
	for _, p := range providers {
		group.POST("/"+p.Name(), Webhook(Config{Provider: p}))
	}
}
