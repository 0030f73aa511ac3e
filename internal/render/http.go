package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPRendererConfig configures the client for an external imaging service.
type HTTPRendererConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// HTTPRenderer delegates resizing to a remote service. The service receives
// the source bytes and returns the rendered variant in the response body.
type HTTPRenderer struct {
	config HTTPRendererConfig
}

// NewHTTPRenderer validates the configuration and returns the client.
func NewHTTPRenderer(cfg HTTPRendererConfig) (*HTTPRenderer, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("render base URL is required")
	}
	return &HTTPRenderer{config: cfg}, nil
}

func (r *HTTPRenderer) Render(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	httpClient := r.config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	query := url.Values{}
	query.Set("width", strconv.Itoa(req.Width))
	query.Set("height", strconv.Itoa(req.Height))
	query.Set("crop", strconv.FormatBool(req.Crop))
	endpoint := fmt.Sprintf("%s/v1/render?%s", strings.TrimRight(r.config.BaseURL, "/"), query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Source))
	if err != nil {
		return Result{}, err
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if r.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read render response: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = req.ContentType
	}
	return Result{Data: data, ContentType: contentType}, nil
}
