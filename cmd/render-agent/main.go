// Command render-agent runs a standalone resize service. The API server's
// http renderer posts source bytes to /v1/render and receives the scaled
// variant back, letting image decoding run on separate hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imagevault/internal/observability/logging"
	"imagevault/internal/render"
	"imagevault/internal/serverutil"
)

const defaultMaxSourceBytes = 32 << 20

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	token := flag.String("token", "", "bearer token required on render requests")
	jpegQuality := flag.Int("jpeg-quality", 0, "JPEG encode quality (1-100)")
	maxSourceBytes := flag.Int64("max-source-bytes", 0, "maximum accepted source size in bytes")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	_ = godotenv.Load()

	logger := logging.Init(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("IMAGEVAULT_RENDER_AGENT_LOG_LEVEL"))})

	listenAddr := firstNonEmpty(*addr, os.Getenv("IMAGEVAULT_RENDER_AGENT_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8090"
	}

	agent := &agent{
		renderer: &render.LocalRenderer{JPEGQuality: *jpegQuality},
		token:    firstNonEmpty(*token, os.Getenv("IMAGEVAULT_RENDER_AGENT_TOKEN")),
		maxBytes: *maxSourceBytes,
		logger:   logger,
	}
	if agent.maxBytes <= 0 {
		agent.maxBytes = defaultMaxSourceBytes
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", agent.health)
	mux.HandleFunc("/v1/render", agent.render)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := serverutil.Run(ctx, serverutil.Config{
		Server: server,
		Logger: logger,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("IMAGEVAULT_RENDER_AGENT_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("IMAGEVAULT_RENDER_AGENT_TLS_KEY")),
		},
	})
	if err != nil {
		logger.Error("render agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("render agent stopped")
}

type agent struct {
	renderer render.Renderer
	token    string
	maxBytes int64
	logger   *slog.Logger
}

func (a *agent) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *agent) render(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		http.Error(w, "invalid render token", http.StatusForbidden)
		return
	}

	width, err := positiveQueryInt(r, "width")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	height, err := positiveQueryInt(r, "height")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	crop := strings.EqualFold(r.URL.Query().Get("crop"), "true")

	source, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBytes))
	if err != nil {
		http.Error(w, "read source: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := a.renderer.Render(r.Context(), render.Request{
		Source:      source,
		ContentType: r.Header.Get("Content-Type"),
		Width:       width,
		Height:      height,
		Crop:        crop,
	})
	if err != nil {
		a.logger.Warn("render failed", "width", width, "height", height, "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (a *agent) authorized(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	return header == "Bearer "+a.token
}

func positiveQueryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return value, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
