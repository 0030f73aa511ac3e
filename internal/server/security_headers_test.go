package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveWithSecurity(cfg SecurityConfig) *httptest.ResponseRecorder {
	handler := securityHeadersMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images", nil))
	return rec
}

func TestSecurityHeadersDefaults(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{})

	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected DENY frame options, got %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff, got %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("expected no-referrer, got %q", got)
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Fatalf("expected default frame-ancestors in CSP, got %q", csp)
	}
	if !strings.Contains(csp, "img-src 'self' data:") {
		t.Fatalf("expected img-src directive in CSP, got %q", csp)
	}
}

func TestSecurityHeadersOverrides(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{
		FrameAncestors: "'self' https://host.example.com",
		ReferrerPolicy: "same-origin",
	})

	if got := rec.Header().Get("Referrer-Policy"); got != "same-origin" {
		t.Fatalf("expected overridden referrer policy, got %q", got)
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "frame-ancestors 'self' https://host.example.com") {
		t.Fatalf("expected custom frame-ancestors in CSP, got %q", csp)
	}
}

func TestSecurityHeadersCustomCSPWins(t *testing.T) {
	rec := serveWithSecurity(SecurityConfig{ContentSecurityPolicy: "default-src 'self'"})

	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'self'" {
		t.Fatalf("expected custom CSP untouched, got %q", got)
	}
}
