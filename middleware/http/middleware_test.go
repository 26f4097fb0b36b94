package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/billing/billingtest"
)

func TestHandler_Success(t *testing.T) {
	provider := billingtest.NewProvider("stripe")
	var observed []billing.Delivery
	handler := Handler(Config{
		Provider:   provider,
		OnDelivery: func(_ *http.Request, d billing.Delivery) { observed = append(observed, d) },
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var resp billing.DeliveryResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Received || resp.Status != "processed" {
		t.Errorf("Unexpected response %+v", resp)
	}

	deliveries := provider.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(deliveries))
	}
	if string(deliveries[0].Payload) != `{"id":"evt_1"}` {
		t.Errorf("Unexpected payload %s", deliveries[0].Payload)
	}
	if deliveries[0].Header.Get("Stripe-Signature") != "t=1,v1=abc" {
		t.Error("Expected signature header to be forwarded")
	}
	if len(observed) != 1 {
		t.Errorf("Expected OnDelivery to be called once, got %d", len(observed))
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	provider := billingtest.NewProvider("stripe")
	handler := Handler(Config{Provider: provider})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
	if len(provider.Deliveries()) != 0 {
		t.Error("Expected no deliveries")
	}
}

func TestHandler_PayloadTooLarge(t *testing.T) {
	provider := billingtest.NewProvider("stripe")
	provider.Limit = 16
	handler := Handler(Config{Provider: provider})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}
	if len(provider.Deliveries()) != 0 {
		t.Error("Expected oversized body to be refused")
	}
}

func TestHandler_PropagatesFailureStatus(t *testing.T) {
	provider := billingtest.NewProvider("stripe")
	provider.Response = billing.Delivery{
		StatusCode: http.StatusInternalServerError,
		Body:       billing.DeliveryResponse{Received: true, Status: "failed", Error: "processing_failed"},
	}
	handler := Handler(Config{Provider: provider})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "processing_failed") {
		t.Errorf("Expected error code in body, got %s", w.Body.String())
	}
}

func TestHandler_RequiresProvider(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without provider")
		}
	}()
	Handler(Config{})
}

func TestRoutes(t *testing.T) {
	stripe := billingtest.NewProvider("stripe")
	other := billingtest.NewProvider("other")

	r := chi.NewRouter()
	r.Mount("/webhooks", Routes(stripe, other))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/missing", strings.NewReader(`{}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown provider, got %d", w.Code)
	}

	if len(stripe.Deliveries()) != 1 || len(other.Deliveries()) != 0 {
		t.Errorf("Unexpected routing: stripe=%d other=%d", len(stripe.Deliveries()), len(other.Deliveries()))
	}
}
