package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"imagevault/internal/api"
	"imagevault/internal/identity"
	"imagevault/internal/jobs"
	"imagevault/internal/links"
	"imagevault/internal/models"
	"imagevault/internal/observability/metrics"
	"imagevault/internal/storage"
	"imagevault/internal/tier"
)

func newTestHandler(t *testing.T) (*api.Handler, string) {
	t.Helper()
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "blobs")
	blobs, err := storage.NewLocalBlobStore(blobDir, "http://blobs.test")
	if err != nil {
		t.Fatalf("NewLocalBlobStore returned error: %v", err)
	}
	store, err := storage.NewJSONRepository(filepath.Join(dir, "data.json"), storage.WithBlobStore(blobs))
	if err != nil {
		t.Fatalf("NewJSONRepository returned error: %v", err)
	}
	resolver := tier.NewResolver(store)
	scheduler := jobs.NewInProcessScheduler(jobs.InProcessConfig{})
	scheduler.Register("image.derive", func(ctx context.Context, job jobs.Job) error { return nil })
	manager := links.NewManager(links.ManagerConfig{Store: store, Resolver: resolver, Scheduler: scheduler})
	handler := api.NewHandler(api.HandlerConfig{
		Store:     store,
		Blobs:     blobs,
		Resolver:  resolver,
		Links:     manager,
		Scheduler: scheduler,
		Metrics:   metrics.New(),
	})
	return handler, blobDir
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	handler, blobDir := newTestHandler(t)
	if cfg.BlobDir == "" {
		cfg.BlobDir = blobDir
	}
	if cfg.Identity == nil {
		cfg.Identity = &identity.StaticProvider{Tokens: map[string]models.User{
			"valid-token": {ID: "usr-1", DisplayName: "Tester"},
		}}
	}
	cfg.Metrics = metrics.New()
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestAuthMiddlewareResolvesToken(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/images", "valid-token")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/images", "wrong-token")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with invalid token, got %d", resp.StatusCode)
	}
}

func TestMissingTokenIsForbiddenOnAPIRoutes(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/images", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	ts := newTestServer(t, Config{})

	for _, path := range []string{"/healthz", "/metrics"} {
		resp := doRequest(t, http.MethodGet, ts.URL+path, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for %s without token, got %d", path, resp.StatusCode)
		}
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	ts := newTestServer(t, Config{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	req.Header.Set("X-Request-Id", "req-abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-abc-123" {
		t.Fatalf("expected request ID to round trip, got %q", got)
	}
}

func TestBlobDirectoryIsServed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "thumb.png"), pngBytes(t), 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}
	ts := newTestServer(t, Config{BlobDir: dir})

	resp := doRequest(t, http.MethodGet, ts.URL+"/blobs/thumb.png", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for stored blob, got %d", resp.StatusCode)
	}

	listing := doRequest(t, http.MethodGet, ts.URL+"/blobs/", "")
	listing.Body.Close()
	if listing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for directory listing, got %d", listing.StatusCode)
	}
}

func TestUploadRateLimitReturnsRetryAfter(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{
		UploadLimit:  1,
		UploadWindow: time.Minute,
	}})

	first := postUpload(t, ts.URL, "valid-token")
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected first upload to succeed, got %d", first.StatusCode)
	}

	second := postUpload(t, ts.URL, "valid-token")
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second upload, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on throttled upload")
	}
}

func TestGlobalRateLimitAppliesToAllRoutes(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{
		GlobalRPS:   0.001,
		GlobalBurst: 1,
	}})

	first := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.StatusCode)
	}

	second := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once bucket is drained, got %d", second.StatusCode)
	}
}

func postUpload(t *testing.T, baseURL, token string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("name", "rate-limited"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "rate-limited.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(pngBytes(t)); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/images", &body)
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	return resp
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded address, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/images", nil)
	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := extractClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected real IP header, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/images", nil)
	req.RemoteAddr = "192.0.2.4:4711"
	if got := extractClientIP(req); got != "192.0.2.4" {
		t.Fatalf("expected remote address host, got %q", got)
	}
}

func TestShouldAuditSkipsReads(t *testing.T) {
	get := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	if shouldAudit(get) {
		t.Fatal("GET requests should not be audited")
	}
	del := httptest.NewRequest(http.MethodDelete, "/api/images/pic-1", nil)
	if !shouldAudit(del) {
		t.Fatal("DELETE requests should be audited")
	}
	outside := httptest.NewRequest(http.MethodPost, "/healthz", strings.NewReader(""))
	if shouldAudit(outside) {
		t.Fatal("non-API paths should not be audited")
	}
}
