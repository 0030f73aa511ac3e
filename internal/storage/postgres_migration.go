package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		filename TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS images_owner_idx ON images (owner_id)`,
	`CREATE TABLE IF NOT EXISTS thumbnails (
		id TEXT PRIMARY KEY,
		base_image_id TEXT NOT NULL REFERENCES images (id) ON DELETE CASCADE,
		creator_id TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		size_label TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (base_image_id, size_label)
	)`,
	`CREATE TABLE IF NOT EXISTS expiring_links (
		id TEXT PRIMARY KEY,
		base_image_id TEXT NOT NULL REFERENCES images (id) ON DELETE CASCADE,
		storage_key TEXT NOT NULL,
		ttl_seconds BIGINT NOT NULL CHECK (ttl_seconds BETWEEN 30 AND 30000),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thumbnail_sizes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		width INTEGER NOT NULL CHECK (width > 0),
		height INTEGER NOT NULL CHECK (height > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS account_tiers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		link_to_original BOOLEAN NOT NULL DEFAULT FALSE,
		generate_expiring_links BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS account_tier_sizes (
		tier_id TEXT NOT NULL REFERENCES account_tiers (id) ON DELETE CASCADE,
		size_id TEXT NOT NULL REFERENCES thumbnail_sizes (id) ON DELETE CASCADE,
		PRIMARY KEY (tier_id, size_id)
	)`,
	`CREATE TABLE IF NOT EXISTS granted_tiers (
		user_id TEXT NOT NULL,
		tier_id TEXT NOT NULL REFERENCES account_tiers (id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, tier_id)
	)`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// ImportSnapshotToPostgres replays a JSON snapshot into a Postgres-backed
// repository inside one transaction. Catalog rows land before the assets that
// reference them.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("repository is not postgres-backed")
	}
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}

	tx, err := pg.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, size := range snapshot.ThumbnailSizes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO thumbnail_sizes (id, name, width, height) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO NOTHING`,
			size.ID, size.Name, size.Width, size.Height,
		); err != nil {
			return fmt.Errorf("import thumbnail size %s: %w", size.ID, err)
		}
	}
	for _, tier := range snapshot.AccountTiers {
		if _, err := tx.Exec(ctx,
			`INSERT INTO account_tiers (id, name, link_to_original, generate_expiring_links)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			tier.ID, tier.Name, tier.LinkToOriginal, tier.GenerateExpiringLinks,
		); err != nil {
			return fmt.Errorf("import account tier %s: %w", tier.ID, err)
		}
		for _, sizeID := range tier.SizeIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO account_tier_sizes (tier_id, size_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				tier.ID, sizeID,
			); err != nil {
				return fmt.Errorf("import tier size %s/%s: %w", tier.ID, sizeID, err)
			}
		}
	}
	for userID, tierIDs := range snapshot.Grants {
		for _, tierID := range tierIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO granted_tiers (user_id, tier_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				userID, tierID,
			); err != nil {
				return fmt.Errorf("import grant %s/%s: %w", userID, tierID, err)
			}
		}
	}
	for _, image := range snapshot.Images {
		if _, err := tx.Exec(ctx,
			`INSERT INTO images (id, name, slug, owner_id, storage_key, filename, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			image.ID, image.Name, image.Slug, image.OwnerID, image.StorageKey, image.Filename, image.CreatedAt,
		); err != nil {
			return fmt.Errorf("import image %s: %w", image.ID, err)
		}
	}
	for _, thumb := range snapshot.Thumbnails {
		if _, err := tx.Exec(ctx,
			`INSERT INTO thumbnails (id, base_image_id, creator_id, storage_key, size_label, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			thumb.ID, thumb.BaseImageID, thumb.CreatorID, thumb.StorageKey, thumb.SizeLabel, thumb.CreatedAt,
		); err != nil {
			return fmt.Errorf("import thumbnail %s: %w", thumb.ID, err)
		}
	}
	for _, link := range snapshot.ExpiringLinks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO expiring_links (id, base_image_id, storage_key, ttl_seconds, created_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			link.ID, link.BaseImageID, link.StorageKey, link.TTLSeconds, link.CreatedAt,
		); err != nil {
			return fmt.Errorf("import expiring link %s: %w", link.ID, err)
		}
	}
	return tx.Commit(ctx)
}
