package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	webhookhttp "github.com/mihaimyh/paysync/middleware/http"
	"github.com/mihaimyh/paysync/pkg/api"
	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/paysync"
)

// pinger is implemented by backends that can report their health
type pinger interface {
	Ping(ctx context.Context) error
}

type server struct {
	provider   billing.Provider
	admin      *api.Handler
	gatherer   prometheus.Gatherer
	checks     map[string]pinger
	adminToken string
	logger     paysync.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount("/webhooks", webhookhttp.Routes(s.provider))
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Get("/audit", s.admin.ListAudit)
		r.Get("/events/{id}", s.admin.GetProcessedEvent)
		r.Get("/orders/{id}/events", s.admin.GetOrderEvents)
	})
	return r
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("health check failed",
				paysync.Field{Key: "backend", Value: name},
				paysync.Field{Key: "error", Value: err.Error()})
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// requireAdminToken enforces a bearer token on admin routes when one is configured.
func (s *server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logDelivery returns a webhook callback writing one access line per delivery
func logDelivery(logger paysync.Logger) billing.WebhookCallback {
	return func(_ context.Context, ev billing.WebhookEvent) {
		fields := []paysync.Field{
			{Key: "provider", Value: ev.Provider},
			{Key: "event_id", Value: ev.EventID},
			{Key: "event_type", Value: ev.EventType},
			{Key: "domain", Value: string(ev.Domain)},
			{Key: "outcome", Value: string(ev.Outcome)},
			{Key: "status", Value: ev.StatusCode},
			{Key: "duration_ms", Value: ev.Duration.Milliseconds()},
		}
		if ev.Err != nil {
			logger.Warn("webhook delivery handled with error", append(fields, paysync.Field{Key: "error", Value: ev.Err})...)
			return
		}
		logger.Info("webhook delivery handled", fields...)
	}
}
