package internal

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadBodyStrict(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
	}{
		{"within limit", `{"id":"evt_1"}`, 64, nil},
		{"exactly at limit", "1234", 4, nil},
		{"too large", strings.Repeat("x", 65), 64, ErrPayloadTooLarge},
		{"empty", "", 64, ErrEmptyBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			body, err := ReadBodyStrict(httptest.NewRecorder(), req, tt.limit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadBodyStrict() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && string(body) != tt.body {
				t.Errorf("ReadBodyStrict() body = %q, want %q", body, tt.body)
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w)
	if err := WriteJSON(w, http.StatusAccepted, map[string]bool{"received": true}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if strings.TrimSpace(w.Body.String()) != `{"received":true}` {
		t.Errorf("body = %s", w.Body.String())
	}
}
