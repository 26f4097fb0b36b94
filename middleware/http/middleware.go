// Package http exposes billing providers as net/http handlers and chi routes.
package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/paysync/pkg/billing"
)

// Config holds webhook handler configuration
type Config struct {
	// Provider verifies and processes deliveries (required)
	Provider billing.Provider

	// OnDelivery is called after each delivery has been answered.
	// Use it for access logging; it must not write to the response.
	OnDelivery func(r *http.Request, d billing.Delivery)
}

// Handler creates an http.Handler that feeds POST bodies to the provider
// and writes the provider's answer as JSON.
func Handler(cfg Config) http.Handler {
	if cfg.Provider == nil {
		panic("paysync/http: Config.Provider is required")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		payload, err := readBody(r, cfg.Provider.MaxBodyBytes())
		var d billing.Delivery
		if err != nil {
			d = billing.Delivery{
				StatusCode: http.StatusBadRequest,
				Body:       billing.DeliveryResponse{Error: "invalid_payload"},
			}
		} else {
			d = cfg.Provider.HandleDelivery(r.Context(), payload, r.Header)
		}

		writeDelivery(w, d)
		if cfg.OnDelivery != nil {
			cfg.OnDelivery(r, d)
		}
	})
}

// Routes returns a chi router with one POST route per provider, named
// after Provider.Name. Mount it under a prefix such as /webhooks.
func Routes(providers ...billing.Provider) chi.Router {
	r := chi.NewRouter()
	for _, p := range providers {
		r.Method(http.MethodPost, "/"+p.Name(), Handler(Config{Provider: p}))
	}
	return r
}

// readBody reads at most limit+1 bytes so the provider can tell an
// oversized body from one that fits exactly.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit+1))
}

func writeDelivery(w http.ResponseWriter, d billing.Delivery) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(d.StatusCode)
	_ = json.NewEncoder(w).Encode(d.Body)
}
