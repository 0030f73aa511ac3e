package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, image
// uploads, thumbnail derivation, expiring links, and the detail cache. It
// coordinates concurrent writers via a RWMutex while exposing an atomic gauge
// for in-flight derivations.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	uploadEvents      map[string]uint64
	uploadBytes       uint64
	derivationEvents  map[string]uint64
	linkEvents        map[string]uint64
	cacheEvents       map[string]uint64
	activeDerivations atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		uploadEvents:     make(map[string]uint64),
		derivationEvents: make(map[string]uint64),
		linkEvents:       make(map[string]uint64),
		cacheEvents:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveUpload records an accepted upload and its payload size.
func (r *Recorder) ObserveUpload(bytes int64) {
	r.mu.Lock()
	r.uploadEvents["accepted"]++
	if bytes > 0 {
		r.uploadBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// ObserveUploadRejected records an upload that failed validation.
func (r *Recorder) ObserveUploadRejected() {
	r.mu.Lock()
	r.uploadEvents["rejected"]++
	r.mu.Unlock()
}

// DerivationStarted increments the in-flight derivation gauge.
func (r *Recorder) DerivationStarted() {
	r.incrementDerivationEvent("start")
	r.activeDerivations.Add(1)
}

// DerivationCompleted records a finished derivation run and releases the
// gauge.
func (r *Recorder) DerivationCompleted() {
	r.incrementDerivationEvent("complete")
	r.decrementGauge(&r.activeDerivations)
}

// DerivationFailed records a failed derivation run and releases the gauge.
func (r *Recorder) DerivationFailed() {
	r.incrementDerivationEvent("fail")
	r.decrementGauge(&r.activeDerivations)
}

func (r *Recorder) incrementDerivationEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.derivationEvents[normalized]++
	r.mu.Unlock()
}

// ObserveLinkEvent records an expiring-link lifecycle event such as "created",
// "denied", or "reaped".
func (r *Recorder) ObserveLinkEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.linkEvents[normalized]++
	r.mu.Unlock()
}

// ObserveCacheEvent records a detail-cache event such as "hit", "miss", or
// "invalidation".
func (r *Recorder) ObserveCacheEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.cacheEvents[normalized]++
	r.mu.Unlock()
}

// ActiveDerivations exposes the current gauge of in-flight derivation runs.
func (r *Recorder) ActiveDerivations() int64 {
	return r.activeDerivations.Load()
}

// UploadCounts returns copies of the upload counters for reporting and tests.
func (r *Recorder) UploadCounts() (events map[string]uint64, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		events[k] = v
	}
	return events, r.uploadBytes
}

// CacheCounts returns a copy of the cache event counters.
func (r *Recorder) CacheCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.cacheEvents))
	for k, v := range r.cacheEvents {
		events[k] = v
	}
	return events
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.uploadBytes = 0
	r.derivationEvents = make(map[string]uint64)
	r.linkEvents = make(map[string]uint64)
	r.cacheEvents = make(map[string]uint64)
	r.activeDerivations.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets for
// stable output across scrapes.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP imagevault_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE imagevault_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "imagevault_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP imagevault_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE imagevault_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "imagevault_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP imagevault_uploads_total Image uploads by outcome")
	fmt.Fprintln(w, "# TYPE imagevault_uploads_total counter")
	for _, event := range sortedKeys(r.uploadEvents) {
		fmt.Fprintf(w, "imagevault_uploads_total{outcome=%q} %d\n", event, r.uploadEvents[event])
	}

	fmt.Fprintln(w, "# HELP imagevault_upload_bytes_total Cumulative size of accepted uploads in bytes")
	fmt.Fprintln(w, "# TYPE imagevault_upload_bytes_total counter")
	fmt.Fprintf(w, "imagevault_upload_bytes_total %d\n", r.uploadBytes)

	fmt.Fprintln(w, "# HELP imagevault_derivations_total Thumbnail derivation runs by status")
	fmt.Fprintln(w, "# TYPE imagevault_derivations_total counter")
	for _, event := range sortedKeys(r.derivationEvents) {
		fmt.Fprintf(w, "imagevault_derivations_total{status=%q} %d\n", event, r.derivationEvents[event])
	}

	fmt.Fprintln(w, "# HELP imagevault_active_derivations In-flight thumbnail derivation runs")
	fmt.Fprintln(w, "# TYPE imagevault_active_derivations gauge")
	fmt.Fprintf(w, "imagevault_active_derivations %d\n", r.activeDerivations.Load())

	fmt.Fprintln(w, "# HELP imagevault_expiring_links_total Expiring-link lifecycle events by type")
	fmt.Fprintln(w, "# TYPE imagevault_expiring_links_total counter")
	for _, event := range sortedKeys(r.linkEvents) {
		fmt.Fprintf(w, "imagevault_expiring_links_total{event=%q} %d\n", event, r.linkEvents[event])
	}

	fmt.Fprintln(w, "# HELP imagevault_detail_cache_events_total Detail cache events by type")
	fmt.Fprintln(w, "# TYPE imagevault_detail_cache_events_total counter")
	for _, event := range sortedKeys(r.cacheEvents) {
		fmt.Fprintf(w, "imagevault_detail_cache_events_total{event=%q} %d\n", event, r.cacheEvents[event])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizePath collapses identifier-looking segments so per-asset paths do
// not explode the label cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":slug"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier reports whether a path segment is an asset slug rather
// than a fixed route word. Slugs carry a hex id suffix, so length and digit
// density separate them from route segments like "images" or "expiring".
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 4
}
