// Package models defines the persisted entities shared by the storage
// backends and API handlers.
package models

import "time"

// User is the opaque identity supplied by the identity provider. Only the ID
// is authoritative; DisplayName is carried for response rendering.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Image is an original asset uploaded by a user. The slug is derived from the
// name plus the record id, which keeps it unique even when names collide, and
// is the public handle for all per-image routes.
type Image struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	OwnerID    string    `json:"ownerId"`
	StorageKey string    `json:"storageKey"`
	Filename   string    `json:"filename"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Thumbnail is a derived rendition of exactly one base image. It lives and
// dies with its parent: cascade deletion of the image removes the record and
// its backing blob.
type Thumbnail struct {
	ID          string    `json:"id"`
	BaseImageID string    `json:"baseImageId"`
	CreatorID   string    `json:"creatorId"`
	StorageKey  string    `json:"storageKey"`
	SizeLabel   string    `json:"sizeLabel"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ExpiringLink is a time-bounded, independently stored copy of an original
// image. TTLSeconds is validated to [30, 30000] at creation; the independent
// copy means the link depends on nothing but its own TTL and the owning
// cascade.
type ExpiringLink struct {
	ID          string    `json:"id"`
	BaseImageID string    `json:"baseImageId"`
	StorageKey  string    `json:"storageKey"`
	TTLSeconds  int64     `json:"ttlSeconds"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ExpiresAt returns the wall-clock instant the link's scheduled deletion
// becomes due.
func (l ExpiringLink) ExpiresAt() time.Time {
	return l.CreatedAt.Add(time.Duration(l.TTLSeconds) * time.Second)
}

// ThumbnailSize is a named dimension preset shared across account tiers.
type ThumbnailSize struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// AccountTier bundles the thumbnail sizes and capability flags granted by a
// subscription level. Catalog entities are admin-managed and read-mostly.
type AccountTier struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	SizeIDs               []string `json:"sizeIds"`
	LinkToOriginal        bool     `json:"linkToOriginal"`
	GenerateExpiringLinks bool     `json:"generateExpiringLinks"`
}

// GrantedTiers records which account tiers a user currently holds. Effective
// capability is the union across all held tiers.
type GrantedTiers struct {
	UserID  string   `json:"userId"`
	TierIDs []string `json:"tierIds"`
}
