// Package links manages time-limited public links to stored images. A link
// copies the source bytes into its own object so it keeps serving when the
// original is replaced, and a scheduled job removes it once the TTL elapses.
package links

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"imagevault/internal/jobs"
	"imagevault/internal/models"
	"imagevault/internal/observability/metrics"
	"imagevault/internal/storage"
	"imagevault/internal/tier"
)

// JobKind names the link expiry job on the scheduler.
const JobKind = "link.expire"

// JobPayload is the scheduler payload for one expiry.
type JobPayload struct {
	LinkID string `json:"linkId"`
}

type ManagerConfig struct {
	Store     storage.Repository
	Resolver  *tier.Resolver
	Scheduler jobs.Scheduler
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Manager enforces the expiring-link entitlement and pairs every created link
// with its expiry job.
type Manager struct {
	store     storage.Repository
	resolver  *tier.Resolver
	scheduler jobs.Scheduler
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Manager{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		scheduler: cfg.Scheduler,
		logger:    logger,
		metrics:   recorder,
	}
}

// Create issues a new expiring link for the caller's image. Users whose tiers
// do not include the capability get ErrForbidden regardless of whether the
// slug exists; entitlement is checked before the lookup so the error does not
// leak slug existence.
func (m *Manager) Create(ctx context.Context, ownerID, slug string, ttlSeconds int64) (models.ExpiringLink, error) {
	entitlement, err := m.resolver.Resolve(ctx, ownerID)
	if err != nil {
		return models.ExpiringLink{}, err
	}
	if !entitlement.CanGenerateExpiringLinks {
		m.metrics.ObserveLinkEvent("denied")
		return models.ExpiringLink{}, fmt.Errorf("expiring links: %w", storage.ErrForbidden)
	}

	link, err := m.store.CreateExpiringLink(ctx, storage.CreateExpiringLinkParams{
		OwnerID:    ownerID,
		Slug:       slug,
		TTLSeconds: ttlSeconds,
	})
	if err != nil {
		return models.ExpiringLink{}, err
	}

	if err := m.scheduleExpiry(ctx, link); err != nil {
		// A link without an expiry job would live forever; undo the create.
		if deleteErr := m.store.DeleteExpiringLink(ctx, link.ID); deleteErr != nil {
			m.logger.Error("failed to roll back unscheduled link", "link_id", link.ID, "error", deleteErr)
		}
		return models.ExpiringLink{}, fmt.Errorf("schedule link expiry: %w", err)
	}
	m.metrics.ObserveLinkEvent("created")
	return link, nil
}

// List returns the live links for the caller's image, oldest first. Links past
// their expiry but not yet reaped are filtered out.
func (m *Manager) List(ctx context.Context, ownerID, slug string) ([]models.ExpiringLink, error) {
	all, err := m.store.ListExpiringLinks(ctx, ownerID, slug)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	live := make([]models.ExpiringLink, 0, len(all))
	for _, link := range all {
		if link.ExpiresAt().After(now) {
			live = append(live, link)
		}
	}
	return live, nil
}

// Register binds the expiry handler to a scheduler.
func (m *Manager) Register(register func(kind string, fn jobs.HandlerFunc)) {
	register(JobKind, m.handleExpire)
}

func (m *Manager) handleExpire(ctx context.Context, job jobs.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode link expiry payload: %w", err)
	}
	if payload.LinkID == "" {
		return fmt.Errorf("link expiry payload has no link id")
	}
	if err := m.store.DeleteExpiringLink(ctx, payload.LinkID); err != nil {
		return fmt.Errorf("delete expired link %s: %w", payload.LinkID, err)
	}
	m.metrics.ObserveLinkEvent("reaped")
	m.logger.Info("expiring link reaped", "link_id", payload.LinkID)
	return nil
}

func (m *Manager) scheduleExpiry(ctx context.Context, link models.ExpiringLink) error {
	job, err := jobs.NewJob(JobKind, JobPayload{LinkID: link.ID})
	if err != nil {
		return err
	}
	delay := time.Duration(link.TTLSeconds) * time.Second
	return m.scheduler.EnqueueAfter(ctx, delay, job)
}
