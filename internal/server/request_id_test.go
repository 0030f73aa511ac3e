package server

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"imagevault/internal/observability/logging"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := logging.RequestIDFromContext(r.Context())
		if !ok {
			t.Fatal("expected request ID on context")
		}
		seen = id
	})
	handler := requestIDMiddleware(nil, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images", nil))

	if seen == "" {
		t.Fatal("expected generated request ID")
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(seen) {
		t.Fatalf("expected 32 hex characters, got %q", seen)
	}
	if rec.Header().Get("X-Request-Id") != seen {
		t.Fatal("expected generated ID echoed in response header")
	}
}

func TestRequestIDMiddlewarePreservesClientID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := logging.RequestIDFromContext(r.Context())
		if id != "client-supplied" {
			t.Fatalf("expected client ID preserved, got %q", id)
		}
	})
	handler := requestIDMiddleware(nil, next)

	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	req.Header.Set("X-Request-Id", "client-supplied")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") != "client-supplied" {
		t.Fatal("expected client ID echoed in response header")
	}
}

func TestRequestIDMiddlewareCustomGenerator(t *testing.T) {
	handler := requestIDMiddlewareWithGenerator(nil, func() string { return "fixed-id" },
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images", nil))

	if rec.Header().Get("X-Request-Id") != "fixed-id" {
		t.Fatalf("expected generator output, got %q", rec.Header().Get("X-Request-Id"))
	}
}
