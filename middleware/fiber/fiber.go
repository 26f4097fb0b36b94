// Package fiber exposes billing providers as Fiber handlers
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/paysync/pkg/billing"
)

// Config holds webhook handler configuration
type Config struct {
	// Provider verifies and processes deliveries (required)
	Provider billing.Provider

	// OnDelivery is called after each delivery has been answered.
	OnDelivery func(c *fiber.Ctx, d billing.Delivery)
}

// Webhook creates a Fiber handler that feeds the request body to the provider.
// Fiber buffers the body itself; set fiber.Config.BodyLimit at or above
// the provider's MaxBodyBytes so the provider decides on oversized bodies.
func Webhook(cfg Config) fiber.Handler {
	if cfg.Provider == nil {
		panic("paysync/fiber: Config.Provider is required")
	}

	return func(c *fiber.Ctx) error {
		// fasthttp reuses the body buffer after the handler returns
		payload := append([]byte(nil), c.Body()...)

		d := cfg.Provider.HandleDelivery(c.UserContext(), payload, requestHeader(c))
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		if err := c.Status(d.StatusCode).JSON(d.Body); err != nil {
			return err
		}

		if cfg.OnDelivery != nil {
			cfg.OnDelivery(c, d)
		}
		return nil
	}
}

// Register adds one POST route per provider to the router, named after
// Provider.Name.
func Register(router fiber.Router, providers ...billing.Provider) {
	for _, p := range providers {
		router.Post("/"+p.Name(), Webhook(Config{Provider: p}))
	}
}

func requestHeader(c *fiber.Ctx) http.Header {
	h := make(http.Header)
	c.Request().Header.VisitAll(func(key, value []byte) {
		h.Add(string(key), string(value))
	})
	return h
}
