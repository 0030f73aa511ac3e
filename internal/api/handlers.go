package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"imagevault/internal/derive"
	"imagevault/internal/identity"
	"imagevault/internal/jobs"
	"imagevault/internal/links"
	"imagevault/internal/models"
	"imagevault/internal/observability/metrics"
	"imagevault/internal/storage"
	"imagevault/internal/tier"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultCacheTTL       = 60 * time.Second
)

type HandlerConfig struct {
	Store     storage.Repository
	Blobs     storage.BlobStore
	Resolver  *tier.Resolver
	Links     *links.Manager
	Scheduler jobs.Scheduler
	Cache     Cache
	CacheTTL  time.Duration
	// MaxUploadBytes caps the multipart request body on uploads.
	MaxUploadBytes int64
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Handler serves the image API. All asset routes require an authenticated
// user; the server middleware resolves the account and stores it in the
// request context before these methods run.
type Handler struct {
	store          storage.Repository
	blobs          storage.BlobStore
	resolver       *tier.Resolver
	links          *links.Manager
	scheduler      jobs.Scheduler
	cache          Cache
	cacheTTL       time.Duration
	maxUploadBytes int64
	logger         *slog.Logger
	metrics        *metrics.Recorder
}

func NewHandler(cfg HandlerConfig) *Handler {
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Handler{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		resolver:       cfg.Resolver,
		links:          cfg.Links,
		scheduler:      cfg.Scheduler,
		cache:          cache,
		cacheTTL:       cacheTTL,
		maxUploadBytes: maxUpload,
		logger:         logger,
		metrics:        recorder,
	}
}

type thumbnailResponse struct {
	SizeLabel string    `json:"sizeLabel"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

type imageResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Slug        string              `json:"slug"`
	CreatedAt   time.Time           `json:"createdAt"`
	Thumbnails  []thumbnailResponse `json:"thumbnails"`
	OriginalURL string              `json:"originalUrl,omitempty"`
}

type expiringLinkResponse struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	TTLSeconds int64     `json:"ttlSeconds"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type imageDetailResponse struct {
	imageResponse
	ExpiringLinks []expiringLinkResponse `json:"expiringLinks"`
}

// Health reports liveness plus datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Images handles the collection route: list on GET, upload on POST.
func (h *Handler) Images(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listImages(w, r)
	case http.MethodPost:
		h.uploadImage(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// ImageBySlug routes the per-image endpoints:
//
//	GET/DELETE /api/images/{slug}
//	GET/POST   /api/images/{slug}/expiring
func (h *Handler) ImageBySlug(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	slug := parts[0]
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h.imageDetail(w, r, slug)
		case http.MethodDelete:
			h.deleteImage(w, r, slug)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
	case len(parts) == 2 && parts[1] == "expiring":
		switch r.Method {
		case http.MethodGet:
			h.listExpiringLinks(w, r, slug)
		case http.MethodPost:
			h.createExpiringLink(w, r, slug)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

func (h *Handler) listImages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	images, err := h.store.ListImages(ctx, user.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	entitlement, err := h.resolver.Resolve(ctx, user.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	response := make([]imageResponse, 0, len(images))
	for _, image := range images {
		rendered, err := h.renderImage(ctx, image, entitlement)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		response = append(response, rendered)
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) uploadImage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	file, header, name, err := h.parseUpload(w, r)
	if err != nil {
		h.metrics.ObserveUploadRejected()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.metrics.ObserveUploadRejected()
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	ctx := r.Context()
	image, err := h.store.CreateImage(ctx, storage.CreateImageParams{
		OwnerID:     user.ID,
		Name:        name,
		Filename:    header.Filename,
		ContentType: uploadContentType(header, data),
		Data:        data,
	})
	if err != nil {
		h.metrics.ObserveUploadRejected()
		h.writeStoreError(w, err)
		return
	}
	h.metrics.ObserveUpload(int64(len(data)))

	h.enqueueDerivation(ctx, image.ID)

	entitlement, err := h.resolver.Resolve(ctx, user.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	rendered, err := h.renderImage(ctx, image, entitlement)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, imageDetailResponse{
		imageResponse: rendered,
		ExpiringLinks: []expiringLinkResponse{},
	})
}

func (h *Handler) imageDetail(w http.ResponseWriter, r *http.Request, slug string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	// Ownership is established before the cache is consulted, so a warmed
	// entry can never answer for anyone but the image's owner.
	image, err := h.store.ImageBySlug(ctx, user.ID, slug)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if cached, ok := h.cache.Get(ctx, detailCacheKey(slug)); ok {
		h.metrics.ObserveCacheEvent("hit")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}
	h.metrics.ObserveCacheEvent("miss")

	detail, err := h.renderDetail(ctx, user.ID, image)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("encode image detail: %w", err))
		return
	}
	h.cache.Set(ctx, detailCacheKey(slug), payload, h.cacheTTL)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (h *Handler) deleteImage(w http.ResponseWriter, r *http.Request, slug string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := h.store.DeleteImage(ctx, user.ID, slug); err != nil {
		h.writeStoreError(w, err)
		return
	}
	// Invalidate before responding so no later read can observe the deleted
	// asset through the cache.
	if err := h.cache.Delete(ctx, detailCacheKey(slug)); err != nil {
		h.logger.Error("cache invalidation failed after delete", "slug", slug, "error", err)
	}
	h.metrics.ObserveCacheEvent("invalidation")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listExpiringLinks(w http.ResponseWriter, r *http.Request, slug string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	// The whole expiring-link surface is gated by the capability, reads
	// included. Checked before the slug lookup so the 403 cannot leak
	// whether the slug exists.
	entitlement, err := h.resolver.Resolve(ctx, user.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if !entitlement.CanGenerateExpiringLinks {
		h.writeStoreError(w, fmt.Errorf("expiring links: %w", storage.ErrForbidden))
		return
	}
	live, err := h.links.List(ctx, user.ID, slug)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	response := make([]expiringLinkResponse, 0, len(live))
	for _, link := range live {
		response = append(response, h.renderExpiringLink(link))
	}
	writeJSON(w, http.StatusOK, response)
}

type createExpiringLinkRequest struct {
	TTLSeconds int64 `json:"ttlSeconds"`
}

func (h *Handler) createExpiringLink(w http.ResponseWriter, r *http.Request, slug string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	var req createExpiringLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	link, err := h.links.Create(ctx, user.ID, slug, req.TTLSeconds)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.cache.Delete(ctx, detailCacheKey(slug)); err != nil {
		h.logger.Error("cache invalidation failed after link create", "slug", slug, "error", err)
	}
	h.metrics.ObserveCacheEvent("invalidation")
	writeJSON(w, http.StatusCreated, h.renderExpiringLink(link))
}

func (h *Handler) renderDetail(ctx context.Context, userID string, image models.Image) (imageDetailResponse, error) {
	entitlement, err := h.resolver.Resolve(ctx, userID)
	if err != nil {
		return imageDetailResponse{}, err
	}
	rendered, err := h.renderImage(ctx, image, entitlement)
	if err != nil {
		return imageDetailResponse{}, err
	}
	live, err := h.links.List(ctx, userID, image.Slug)
	if err != nil {
		return imageDetailResponse{}, err
	}
	linkResponses := make([]expiringLinkResponse, 0, len(live))
	for _, link := range live {
		linkResponses = append(linkResponses, h.renderExpiringLink(link))
	}
	return imageDetailResponse{imageResponse: rendered, ExpiringLinks: linkResponses}, nil
}

// renderImage builds the representation the caller's tier allows: thumbnails
// always, the original URL only with the link-to-original capability.
func (h *Handler) renderImage(ctx context.Context, image models.Image, entitlement tier.Entitlement) (imageResponse, error) {
	thumbnails, err := h.store.ListThumbnails(ctx, image.ID)
	if err != nil {
		return imageResponse{}, err
	}
	thumbnailResponses := make([]thumbnailResponse, 0, len(thumbnails))
	for _, thumbnail := range thumbnails {
		thumbnailResponses = append(thumbnailResponses, thumbnailResponse{
			SizeLabel: thumbnail.SizeLabel,
			URL:       h.blobs.PublicURL(thumbnail.StorageKey),
			CreatedAt: thumbnail.CreatedAt,
		})
	}
	response := imageResponse{
		ID:         image.ID,
		Name:       image.Name,
		Slug:       image.Slug,
		CreatedAt:  image.CreatedAt,
		Thumbnails: thumbnailResponses,
	}
	if entitlement.CanLinkOriginal {
		response.OriginalURL = h.blobs.PublicURL(image.StorageKey)
	}
	return response, nil
}

func (h *Handler) renderExpiringLink(link models.ExpiringLink) expiringLinkResponse {
	return expiringLinkResponse{
		ID:         link.ID,
		URL:        h.blobs.PublicURL(link.StorageKey),
		TTLSeconds: link.TTLSeconds,
		CreatedAt:  link.CreatedAt,
		ExpiresAt:  link.ExpiresAt(),
	}
}

func (h *Handler) parseUpload(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return nil, nil, "", fmt.Errorf("parse upload form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, "", fmt.Errorf("file field is required")
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		file.Close()
		return nil, nil, "", fmt.Errorf("name field is required")
	}
	return file, header, name, nil
}

func (h *Handler) enqueueDerivation(ctx context.Context, imageID string) {
	job, err := jobs.NewJob(derive.JobKind, derive.JobPayload{ImageID: imageID})
	if err != nil {
		h.logger.Error("failed to build derivation job", "image_id", imageID, "error", err)
		return
	}
	if err := h.scheduler.Enqueue(ctx, job); err != nil {
		h.logger.Error("failed to enqueue derivation", "image_id", imageID, "error", err)
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, errors.New("not found"))
	case storage.IsForbidden(err):
		writeError(w, http.StatusForbidden, errors.New("forbidden"))
	case storage.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, identity.ErrUnauthenticated):
		writeError(w, http.StatusForbidden, errors.New("authentication required"))
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func uploadContentType(header *multipart.FileHeader, data []byte) string {
	if contentType := header.Header.Get("Content-Type"); contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	return http.DetectContentType(data)
}
