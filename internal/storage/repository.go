package storage

import (
	"context"

	"imagevault/internal/models"
)

// CreateImageParams carries everything needed to persist an uploaded image.
// Data is written to the blob store before the record is committed.
type CreateImageParams struct {
	OwnerID     string
	Name        string
	Filename    string
	ContentType string
	Data        []byte
}

// CreateThumbnailParams persists one derived rendition of a base image.
type CreateThumbnailParams struct {
	BaseImageID string
	CreatorID   string
	SizeLabel   string
	ContentType string
	Data        []byte
}

// CreateExpiringLinkParams duplicates the base image's bytes into an
// independent object and records the link. The requesting owner scopes the
// slug lookup; TTL bounds are enforced here, not in the handler.
type CreateExpiringLinkParams struct {
	OwnerID    string
	Slug       string
	TTLSeconds int64
}

// Repository exposes the datastore operations required by the API handlers,
// the derivation engine, and the expiring-link manager. Ownership is enforced
// at the query level: a slug owned by someone else yields ErrNotFound.
type Repository interface {
	Ping(ctx context.Context) error

	CreateImage(ctx context.Context, params CreateImageParams) (models.Image, error)
	ImageByID(ctx context.Context, id string) (models.Image, error)
	ImageBySlug(ctx context.Context, ownerID, slug string) (models.Image, error)
	ListImages(ctx context.Context, ownerID string) ([]models.Image, error)
	// DeleteImage cascades to child thumbnails and expiring links, deleting
	// each backing blob alongside its record.
	DeleteImage(ctx context.Context, ownerID, slug string) error
	// ImageBytes loads the original blob for derivation and link copies.
	ImageBytes(ctx context.Context, imageID string) ([]byte, error)

	// CreateThumbnail reports created=false when a thumbnail with the same
	// (base image, size label) already exists; repeat derivation runs are
	// silent skips instead of appends.
	CreateThumbnail(ctx context.Context, params CreateThumbnailParams) (thumbnail models.Thumbnail, created bool, err error)
	ListThumbnails(ctx context.Context, imageID string) ([]models.Thumbnail, error)

	CreateExpiringLink(ctx context.Context, params CreateExpiringLinkParams) (models.ExpiringLink, error)
	ListExpiringLinks(ctx context.Context, ownerID, slug string) ([]models.ExpiringLink, error)
	// DeleteExpiringLink removes the record and its blob. A missing link is
	// success: the scheduled reaper and manual deletion can race.
	DeleteExpiringLink(ctx context.Context, id string) error

	UpsertThumbnailSize(ctx context.Context, size models.ThumbnailSize) (models.ThumbnailSize, error)
	UpsertAccountTier(ctx context.Context, tier models.AccountTier) (models.AccountTier, error)
	ListThumbnailSizes(ctx context.Context) ([]models.ThumbnailSize, error)
	ListAccountTiers(ctx context.Context) ([]models.AccountTier, error)
	GrantTiers(ctx context.Context, userID string, tierIDs []string) error
	GrantedTierIDs(ctx context.Context, userID string) ([]string, error)
}
