package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestLocalRendererCropsToExactSize(t *testing.T) {
	renderer := NewLocalRenderer()
	result, err := renderer.Render(context.Background(), Request{
		Source:      encodeTestPNG(t, 80, 40),
		ContentType: "image/png",
		Width:       20,
		Height:      20,
		Crop:        true,
	})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if result.ContentType != "image/png" {
		t.Fatalf("expected image/png, got %q", result.ContentType)
	}
	w, h := decodeDims(t, result.Data)
	if w != 20 || h != 20 {
		t.Fatalf("expected 20x20, got %dx%d", w, h)
	}
}

func TestLocalRendererFitPreservesAspect(t *testing.T) {
	renderer := NewLocalRenderer()
	result, err := renderer.Render(context.Background(), Request{
		Source:      encodeTestPNG(t, 100, 50),
		ContentType: "image/png",
		Width:       40,
		Height:      40,
	})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	w, h := decodeDims(t, result.Data)
	if w != 40 || h != 20 {
		t.Fatalf("expected 40x20, got %dx%d", w, h)
	}
}

func TestLocalRendererDoesNotUpscale(t *testing.T) {
	renderer := NewLocalRenderer()
	result, err := renderer.Render(context.Background(), Request{
		Source:      encodeTestPNG(t, 10, 10),
		ContentType: "image/png",
		Width:       200,
		Height:      200,
	})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	w, h := decodeDims(t, result.Data)
	if w != 10 || h != 10 {
		t.Fatalf("expected 10x10, got %dx%d", w, h)
	}
}

func TestLocalRendererRejectsBadInput(t *testing.T) {
	renderer := NewLocalRenderer()
	if _, err := renderer.Render(context.Background(), Request{Width: 10, Height: 10}); err == nil {
		t.Fatal("expected error for empty source")
	}
	if _, err := renderer.Render(context.Background(), Request{Source: []byte("x"), Width: 0, Height: 10}); err == nil {
		t.Fatal("expected error for zero width")
	}
	if _, err := renderer.Render(context.Background(), Request{
		Source:      []byte("not an image"),
		ContentType: "image/png",
		Width:       10,
		Height:      10,
	}); err == nil {
		t.Fatal("expected error for undecodable source")
	}
}

func TestHTTPRendererPostsSource(t *testing.T) {
	rendered := []byte("rendered-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.URL.Query().Get("width"); got != "32" {
			t.Errorf("expected width 32, got %q", got)
		}
		if got := r.URL.Query().Get("crop"); got != "true" {
			t.Errorf("expected crop true, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(rendered)
	}))
	defer server.Close()

	renderer, err := NewHTTPRenderer(HTTPRendererConfig{BaseURL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPRenderer returned error: %v", err)
	}
	result, err := renderer.Render(context.Background(), Request{
		Source:      []byte("source"),
		ContentType: "image/png",
		Width:       32,
		Height:      32,
		Crop:        true,
	})
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if !bytes.Equal(result.Data, rendered) {
		t.Fatalf("unexpected rendered bytes %q", result.Data)
	}
	if result.ContentType != "image/png" {
		t.Fatalf("unexpected content type %q", result.ContentType)
	}
}

func TestHTTPRendererSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "render failed", http.StatusBadGateway)
	}))
	defer server.Close()

	renderer, err := NewHTTPRenderer(HTTPRendererConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPRenderer returned error: %v", err)
	}
	if _, err := renderer.Render(context.Background(), Request{
		Source:      []byte("source"),
		ContentType: "image/png",
		Width:       16,
		Height:      16,
	}); err == nil {
		t.Fatal("expected error from failing render service")
	}
}
