// Package derive runs thumbnail derivation for uploaded images. Work arrives
// by image ID from the job scheduler and produces one thumbnail per entitled
// size. Rerunning an image is a silent no-op for sizes that already exist.
package derive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"imagevault/internal/jobs"
	"imagevault/internal/models"
	"imagevault/internal/observability/metrics"
	"imagevault/internal/render"
	"imagevault/internal/storage"
	"imagevault/internal/tier"
)

// JobKind names the derivation job on the scheduler.
const JobKind = "image.derive"

// JobPayload is the scheduler payload for one derivation run.
type JobPayload struct {
	ImageID string `json:"imageId"`
}

type EngineConfig struct {
	Store    storage.Repository
	Resolver *tier.Resolver
	Renderer render.Renderer
	// MaxRenders bounds concurrent render calls across scheduler workers.
	MaxRenders int64
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

type Engine struct {
	store    storage.Repository
	resolver *tier.Resolver
	renderer render.Renderer
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
	renders  *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
}

const (
	defaultDeriveTimeout    = 5 * time.Minute
	defaultDeriveMaxRenders = 4
)

func NewEngine(cfg EngineConfig) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDeriveTimeout
	}
	maxRenders := cfg.MaxRenders
	if maxRenders <= 0 {
		maxRenders = defaultDeriveMaxRenders
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Engine{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		renderer: cfg.Renderer,
		timeout:  timeout,
		logger:   logger,
		metrics:  recorder,
		renders:  semaphore.NewWeighted(maxRenders),
		inFlight: make(map[string]struct{}),
	}
}

// HandleJob runs one scheduled derivation under the engine's timeout.
// Concurrent deliveries for the same image coalesce into a single run; the
// dropped duplicate is harmless because a rerun only fills missing sizes.
func (e *Engine) HandleJob(ctx context.Context, imageID string) error {
	imageID = strings.TrimSpace(imageID)
	if imageID == "" {
		return fmt.Errorf("derivation job missing image id")
	}
	if !e.beginWork(imageID) {
		e.logger.Debug("derivation already in flight", "image_id", imageID)
		return nil
	}
	defer e.finishWork(imageID)
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.Process(ctx, imageID)
}

// Register attaches the derivation handler to a scheduler registry.
func (e *Engine) Register(register func(kind string, fn jobs.HandlerFunc)) {
	register(JobKind, func(ctx context.Context, job jobs.Job) error {
		var payload JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode derivation payload: %w", err)
		}
		return e.HandleJob(ctx, payload.ImageID)
	})
}

func (e *Engine) beginWork(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.inFlight[id]; exists {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) finishWork(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// Process derives every entitled size for one image. An image deleted before
// the run starts is not an error. Per-size failures do not block the other
// sizes but are joined into the returned error so callers can retry.
func (e *Engine) Process(ctx context.Context, imageID string) error {
	e.metrics.DerivationStarted()
	if err := e.process(ctx, imageID); err != nil {
		e.metrics.DerivationFailed()
		return err
	}
	e.metrics.DerivationCompleted()
	return nil
}

func (e *Engine) process(ctx context.Context, imageID string) error {
	image, err := e.store.ImageByID(ctx, imageID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	entitlement, err := e.resolver.Resolve(ctx, image.OwnerID)
	if err != nil {
		return err
	}
	if len(entitlement.Sizes) == 0 {
		return nil
	}

	source, err := e.store.ImageBytes(ctx, imageID)
	if err != nil {
		// Only a vanished image record is the tolerated delete race. A blob
		// that cannot be read while the record still exists is a real fault
		// and must surface, or a broken blob store yields zero thumbnails
		// with no signal.
		if storage.IsNotFound(err) {
			if _, lookupErr := e.store.ImageByID(ctx, imageID); storage.IsNotFound(lookupErr) {
				return nil
			}
		}
		return err
	}
	contentType := contentTypeForFilename(image.Filename)

	// Failures are isolated per size so one bad render does not block the
	// rest, but they are collected and returned so the scheduling layer can
	// apply its retry policy. Retries are safe: existing (image, label)
	// pairs are silent skips.
	var sizeErrs []error
	for _, size := range entitlement.Sizes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.deriveSize(ctx, image, source, contentType, size); err != nil {
			e.logger.Error("thumbnail derivation failed",
				"image_id", image.ID,
				"size", size.Label(),
				"error", err)
			sizeErrs = append(sizeErrs, fmt.Errorf("derive %s: %w", size.Label(), err))
		}
	}
	return errors.Join(sizeErrs...)
}

func (e *Engine) deriveSize(ctx context.Context, image models.Image, source []byte, contentType string, size tier.Dimensions) error {
	if err := e.renders.Acquire(ctx, 1); err != nil {
		return err
	}
	result, err := e.renderer.Render(ctx, render.Request{
		Source:      source,
		ContentType: contentType,
		Width:       size.Width,
		Height:      size.Height,
		Crop:        true,
	})
	e.renders.Release(1)
	if err != nil {
		return err
	}

	thumbnail, created, err := e.store.CreateThumbnail(ctx, storage.CreateThumbnailParams{
		BaseImageID: image.ID,
		CreatorID:   image.OwnerID,
		SizeLabel:   size.Label(),
		ContentType: result.ContentType,
		Data:        result.Data,
	})
	if err != nil {
		if storage.IsNotFound(err) {
			// Base image deleted mid-run.
			return nil
		}
		return err
	}
	if created {
		e.logger.Info("thumbnail derived",
			"image_id", image.ID,
			"thumbnail_id", thumbnail.ID,
			"size", size.Label())
	}
	return nil
}

func contentTypeForFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
