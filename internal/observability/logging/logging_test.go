package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf, Format: "json"})

	logger.Info("should be filtered")
	logger.Warn("should appear", "key", "value")

	output := buf.String()
	if strings.Contains(output, "should be filtered") {
		t.Fatal("info record emitted at warn level")
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", output, err)
	}
	if record["msg"] != "should appear" || record["key"] != "value" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text format, got %q", buf.String())
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), " req-123 ")
	id, ok := RequestIDFromContext(ctx)
	if !ok || id != "req-123" {
		t.Fatalf("unexpected request id %q (ok=%v)", id, ok)
	}
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("expected no request id on fresh context")
	}
	if got := ContextWithRequestID(context.Background(), "  "); got != context.Background() {
		t.Fatal("blank request id should not modify the context")
	}
}

func TestWithContextAnnotatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Writer: &buf, Format: "json"})
	ctx := ContextWithRequestID(context.Background(), "req-9")

	WithContext(ctx, base).Info("annotated")

	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["request_id"] != "req-9" {
		t.Fatalf("expected request_id req-9, got %v", record["request_id"])
	}
}

func TestRequestLoggerEmitsCompletionRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/images/pic-1", nil))

	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["method"] != "DELETE" || record["status"] != float64(http.StatusNoContent) {
		t.Fatalf("unexpected record %v", record)
	}
}
