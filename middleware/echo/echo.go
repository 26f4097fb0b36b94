// Package echo exposes billing providers as Echo handlers
package echo

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/paysync/pkg/billing"
)

// Config holds webhook handler configuration
type Config struct {
	// Provider verifies and processes deliveries (required)
	Provider billing.Provider

	// OnDelivery is called after each delivery has been answered.
	OnDelivery func(c echo.Context, d billing.Delivery)
}

// Webhook creates an Echo handler that feeds the request body to the provider
func Webhook(cfg Config) echo.HandlerFunc {
	if cfg.Provider == nil {
		panic("paysync/echo: Config.Provider is required")
	}

	return func(c echo.Context) error {
		req := c.Request()
		payload, err := io.ReadAll(io.LimitReader(req.Body, cfg.Provider.MaxBodyBytes()+1))
		if err != nil {
			return c.JSON(http.StatusBadRequest, billing.DeliveryResponse{Error: "invalid_payload"})
		}

		d := cfg.Provider.HandleDelivery(req.Context(), payload, req.Header)
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		if err := c.JSON(d.StatusCode, d.Body); err != nil {
			return err
		}

		if cfg.OnDelivery != nil {
			cfg.OnDelivery(c, d)
		}
		return nil
	}
}

// Register adds one POST route per provider to the group, named after
// Provider.Name.
func Register(g *echo.Group, providers ...billing.Provider) {
	for _, p := range providers {
		g.POST("/"+p.Name(), Webhook(Config{Provider: p}))
	}
}
