package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"imagevault/internal/render"
)

func newTestAgent(token string) *agent {
	return &agent{
		renderer: render.NewLocalRenderer(),
		token:    token,
		maxBytes: defaultMaxSourceBytes,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func sourcePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestRenderEndpointScalesImage(t *testing.T) {
	a := newTestAgent("")

	req := httptest.NewRequest(http.MethodPost, "/v1/render?width=10&height=10&crop=true", bytes.NewReader(sourcePNG(t, 40, 40)))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	a.render(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decoded, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != 10 || bounds.Dy() != 10 {
		t.Fatalf("expected 10x10 output, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestRenderEndpointRequiresToken(t *testing.T) {
	a := newTestAgent("secret")

	req := httptest.NewRequest(http.MethodPost, "/v1/render?width=10&height=10", bytes.NewReader(sourcePNG(t, 20, 20)))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	a.render(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/render?width=10&height=10", bytes.NewReader(sourcePNG(t, 20, 20)))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	a.render(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestRenderEndpointValidation(t *testing.T) {
	a := newTestAgent("")

	req := httptest.NewRequest(http.MethodPost, "/v1/render?width=0&height=10", bytes.NewReader(sourcePNG(t, 20, 20)))
	rec := httptest.NewRecorder()
	a.render(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero width, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/render?width=10&height=10", bytes.NewReader([]byte("not an image")))
	req.Header.Set("Content-Type", "image/png")
	rec = httptest.NewRecorder()
	a.render(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for undecodable source, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/render?width=10&height=10", nil)
	rec = httptest.NewRecorder()
	a.render(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAgent("")
	rec := httptest.NewRecorder()
	a.health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
