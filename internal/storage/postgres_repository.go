package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"imagevault/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	pool  *pgxpool.Pool
	cfg   PostgresConfig
	blobs BlobStore
}

// NewPostgresRepository opens a Postgres-backed repository and bootstraps the
// schema if it is missing.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, cfg: cfg, blobs: cfg.Blobs}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the connection pool.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) acquireCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return ctx, func() {}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.acquireCtx(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) CreateImage(ctx context.Context, params CreateImageParams) (models.Image, error) {
	owner := strings.TrimSpace(params.OwnerID)
	if owner == "" {
		return models.Image{}, validationError("owner is required")
	}
	name := strings.TrimSpace(params.Name)
	if err := validateImageName(name); err != nil {
		return models.Image{}, err
	}
	if err := validateImageFilename(params.Filename); err != nil {
		return models.Image{}, err
	}
	if len(params.Data) == 0 {
		return models.Image{}, validationError("file is empty")
	}

	id, err := generateID()
	if err != nil {
		return models.Image{}, err
	}
	key := NewObjectKey("images", params.Filename)
	if err := r.blobs.Put(ctx, key, params.ContentType, params.Data); err != nil {
		return models.Image{}, fmt.Errorf("store image blob: %w", err)
	}

	image := models.Image{
		ID:         id,
		Name:       name,
		Slug:       imageSlug(name, id),
		OwnerID:    owner,
		StorageKey: key,
		Filename:   filepath.Base(params.Filename),
		CreatedAt:  r.cfg.Clock(),
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO images (id, name, slug, owner_id, storage_key, filename, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		image.ID, image.Name, image.Slug, image.OwnerID, image.StorageKey, image.Filename, image.CreatedAt,
	)
	if err != nil {
		_ = r.blobs.Delete(ctx, key)
		return models.Image{}, fmt.Errorf("insert image: %w", err)
	}
	return image, nil
}

const imageColumns = `id, name, slug, owner_id, storage_key, filename, created_at`

func scanImage(row pgx.Row) (models.Image, error) {
	var image models.Image
	err := row.Scan(&image.ID, &image.Name, &image.Slug, &image.OwnerID, &image.StorageKey, &image.Filename, &image.CreatedAt)
	return image, err
}

func (r *postgresRepository) ImageByID(ctx context.Context, id string) (models.Image, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	image, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Image{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	} else if err != nil {
		return models.Image{}, fmt.Errorf("select image: %w", err)
	}
	return image, nil
}

func (r *postgresRepository) ImageBySlug(ctx context.Context, ownerID, slug string) (models.Image, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE slug = $1 AND owner_id = $2`, slug, ownerID)
	image, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Image{}, fmt.Errorf("image %s: %w", slug, ErrNotFound)
	} else if err != nil {
		return models.Image{}, fmt.Errorf("select image: %w", err)
	}
	return image, nil
}

func (r *postgresRepository) ListImages(ctx context.Context, ownerID string) ([]models.Image, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+imageColumns+` FROM images WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()
	images := make([]models.Image, 0)
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

func (r *postgresRepository) DeleteImage(ctx context.Context, ownerID, slug string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE slug = $1 AND owner_id = $2`, slug, ownerID)
	image, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("image %s: %w", slug, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("select image: %w", err)
	}

	blobKeys := []string{image.StorageKey}
	keyRows, err := tx.Query(ctx, `
		SELECT storage_key FROM thumbnails WHERE base_image_id = $1
		UNION ALL
		SELECT storage_key FROM expiring_links WHERE base_image_id = $1`, image.ID)
	if err != nil {
		return fmt.Errorf("collect child blobs: %w", err)
	}
	for keyRows.Next() {
		var key string
		if err := keyRows.Scan(&key); err != nil {
			keyRows.Close()
			return fmt.Errorf("scan child blob: %w", err)
		}
		blobKeys = append(blobKeys, key)
	}
	keyRows.Close()
	if err := keyRows.Err(); err != nil {
		return fmt.Errorf("collect child blobs: %w", err)
	}

	// Child rows cascade via foreign keys.
	if _, err := tx.Exec(ctx, `DELETE FROM images WHERE id = $1`, image.ID); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	var blobErrs []error
	for _, key := range blobKeys {
		if key == "" {
			continue
		}
		if err := r.blobs.Delete(ctx, key); err != nil {
			blobErrs = append(blobErrs, err)
		}
	}
	return errors.Join(blobErrs...)
}

func (r *postgresRepository) ImageBytes(ctx context.Context, imageID string) ([]byte, error) {
	image, err := r.ImageByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return r.blobs.Get(ctx, image.StorageKey)
}

func (r *postgresRepository) CreateThumbnail(ctx context.Context, params CreateThumbnailParams) (models.Thumbnail, bool, error) {
	if strings.TrimSpace(params.SizeLabel) == "" {
		return models.Thumbnail{}, false, validationError("size label is required")
	}
	if _, err := r.ImageByID(ctx, params.BaseImageID); err != nil {
		return models.Thumbnail{}, false, err
	}

	existing, ok, err := r.thumbnailByLabel(ctx, params.BaseImageID, params.SizeLabel)
	if err != nil {
		return models.Thumbnail{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	id, err := generateID()
	if err != nil {
		return models.Thumbnail{}, false, err
	}
	key := NewObjectKey("thumbnails", params.SizeLabel+".png")
	if err := r.blobs.Put(ctx, key, params.ContentType, params.Data); err != nil {
		return models.Thumbnail{}, false, fmt.Errorf("store thumbnail blob: %w", err)
	}

	thumbnail := models.Thumbnail{
		ID:          id,
		BaseImageID: params.BaseImageID,
		CreatorID:   params.CreatorID,
		StorageKey:  key,
		SizeLabel:   params.SizeLabel,
		CreatedAt:   r.cfg.Clock(),
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO thumbnails (id, base_image_id, creator_id, storage_key, size_label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (base_image_id, size_label) DO NOTHING`,
		thumbnail.ID, thumbnail.BaseImageID, thumbnail.CreatorID, thumbnail.StorageKey, thumbnail.SizeLabel, thumbnail.CreatedAt,
	)
	if err != nil {
		_ = r.blobs.Delete(ctx, key)
		if isForeignKeyViolation(err) {
			return models.Thumbnail{}, false, fmt.Errorf("image %s: %w", params.BaseImageID, ErrNotFound)
		}
		return models.Thumbnail{}, false, fmt.Errorf("insert thumbnail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent derivation for the same label.
		_ = r.blobs.Delete(ctx, key)
		winner, ok, err := r.thumbnailByLabel(ctx, params.BaseImageID, params.SizeLabel)
		if err != nil || !ok {
			return models.Thumbnail{}, false, fmt.Errorf("thumbnail %s/%s: %w", params.BaseImageID, params.SizeLabel, ErrNotFound)
		}
		return winner, false, nil
	}
	return thumbnail, true, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

const thumbnailColumns = `id, base_image_id, creator_id, storage_key, size_label, created_at`

func scanThumbnail(row pgx.Row) (models.Thumbnail, error) {
	var thumb models.Thumbnail
	err := row.Scan(&thumb.ID, &thumb.BaseImageID, &thumb.CreatorID, &thumb.StorageKey, &thumb.SizeLabel, &thumb.CreatedAt)
	return thumb, err
}

func (r *postgresRepository) thumbnailByLabel(ctx context.Context, imageID, label string) (models.Thumbnail, bool, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+thumbnailColumns+` FROM thumbnails WHERE base_image_id = $1 AND size_label = $2`, imageID, label)
	thumb, err := scanThumbnail(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Thumbnail{}, false, nil
	} else if err != nil {
		return models.Thumbnail{}, false, fmt.Errorf("select thumbnail: %w", err)
	}
	return thumb, true, nil
}

func (r *postgresRepository) ListThumbnails(ctx context.Context, imageID string) ([]models.Thumbnail, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+thumbnailColumns+` FROM thumbnails WHERE base_image_id = $1 ORDER BY size_label`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list thumbnails: %w", err)
	}
	defer rows.Close()
	thumbnails := make([]models.Thumbnail, 0)
	for rows.Next() {
		thumb, err := scanThumbnail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thumbnail: %w", err)
		}
		thumbnails = append(thumbnails, thumb)
	}
	return thumbnails, rows.Err()
}

func (r *postgresRepository) CreateExpiringLink(ctx context.Context, params CreateExpiringLinkParams) (models.ExpiringLink, error) {
	if err := validateExpiringLinkTTL(params.TTLSeconds); err != nil {
		return models.ExpiringLink{}, err
	}
	image, err := r.ImageBySlug(ctx, params.OwnerID, params.Slug)
	if err != nil {
		return models.ExpiringLink{}, err
	}

	data, err := r.blobs.Get(ctx, image.StorageKey)
	if err != nil {
		return models.ExpiringLink{}, fmt.Errorf("copy source blob: %w", err)
	}
	id, err := generateID()
	if err != nil {
		return models.ExpiringLink{}, err
	}
	key := NewObjectKey("expiring", image.Filename)
	if err := r.blobs.Put(ctx, key, "", data); err != nil {
		return models.ExpiringLink{}, fmt.Errorf("store link blob: %w", err)
	}

	link := models.ExpiringLink{
		ID:          id,
		BaseImageID: image.ID,
		StorageKey:  key,
		TTLSeconds:  params.TTLSeconds,
		CreatedAt:   r.cfg.Clock(),
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO expiring_links (id, base_image_id, storage_key, ttl_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		link.ID, link.BaseImageID, link.StorageKey, link.TTLSeconds, link.CreatedAt,
	)
	if err != nil {
		_ = r.blobs.Delete(ctx, key)
		if isForeignKeyViolation(err) {
			return models.ExpiringLink{}, fmt.Errorf("image %s: %w", params.Slug, ErrNotFound)
		}
		return models.ExpiringLink{}, fmt.Errorf("insert expiring link: %w", err)
	}
	return link, nil
}

func (r *postgresRepository) ListExpiringLinks(ctx context.Context, ownerID, slug string) ([]models.ExpiringLink, error) {
	image, err := r.ImageBySlug(ctx, ownerID, slug)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, base_image_id, storage_key, ttl_seconds, created_at
		 FROM expiring_links WHERE base_image_id = $1 ORDER BY created_at, id`, image.ID)
	if err != nil {
		return nil, fmt.Errorf("list expiring links: %w", err)
	}
	defer rows.Close()
	links := make([]models.ExpiringLink, 0)
	for rows.Next() {
		var link models.ExpiringLink
		if err := rows.Scan(&link.ID, &link.BaseImageID, &link.StorageKey, &link.TTLSeconds, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan expiring link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (r *postgresRepository) DeleteExpiringLink(ctx context.Context, id string) error {
	row := r.pool.QueryRow(ctx, `DELETE FROM expiring_links WHERE id = $1 RETURNING storage_key`, id)
	var key string
	err := row.Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already gone; the reaper and manual deletes can race.
		return nil
	} else if err != nil {
		return fmt.Errorf("delete expiring link: %w", err)
	}
	return r.blobs.Delete(ctx, key)
}

func (r *postgresRepository) UpsertThumbnailSize(ctx context.Context, size models.ThumbnailSize) (models.ThumbnailSize, error) {
	size.Name = strings.TrimSpace(size.Name)
	if size.Name == "" {
		return models.ThumbnailSize{}, validationError("size name is required")
	}
	if size.Width <= 0 || size.Height <= 0 {
		return models.ThumbnailSize{}, validationError("size dimensions must be positive")
	}
	if size.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.ThumbnailSize{}, err
		}
		size.ID = id
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO thumbnail_sizes (id, name, width, height)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET width = EXCLUDED.width, height = EXCLUDED.height
		 RETURNING id`,
		size.ID, size.Name, size.Width, size.Height,
	)
	if err := row.Scan(&size.ID); err != nil {
		return models.ThumbnailSize{}, fmt.Errorf("upsert thumbnail size: %w", err)
	}
	return size, nil
}

func (r *postgresRepository) UpsertAccountTier(ctx context.Context, tier models.AccountTier) (models.AccountTier, error) {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" {
		return models.AccountTier{}, validationError("tier name is required")
	}
	if tier.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.AccountTier{}, err
		}
		tier.ID = id
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AccountTier{}, fmt.Errorf("begin upsert tier: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`INSERT INTO account_tiers (id, name, link_to_original, generate_expiring_links)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
		   link_to_original = EXCLUDED.link_to_original,
		   generate_expiring_links = EXCLUDED.generate_expiring_links
		 RETURNING id`,
		tier.ID, tier.Name, tier.LinkToOriginal, tier.GenerateExpiringLinks,
	)
	if err := row.Scan(&tier.ID); err != nil {
		return models.AccountTier{}, fmt.Errorf("upsert account tier: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM account_tier_sizes WHERE tier_id = $1`, tier.ID); err != nil {
		return models.AccountTier{}, fmt.Errorf("clear tier sizes: %w", err)
	}
	for _, sizeID := range tier.SizeIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO account_tier_sizes (tier_id, size_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			tier.ID, sizeID,
		); err != nil {
			if isForeignKeyViolation(err) {
				return models.AccountTier{}, validationError("unknown thumbnail size %s", sizeID)
			}
			return models.AccountTier{}, fmt.Errorf("insert tier size: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.AccountTier{}, fmt.Errorf("commit upsert tier: %w", err)
	}
	return tier, nil
}

func (r *postgresRepository) ListThumbnailSizes(ctx context.Context) ([]models.ThumbnailSize, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, width, height FROM thumbnail_sizes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list thumbnail sizes: %w", err)
	}
	defer rows.Close()
	sizes := make([]models.ThumbnailSize, 0)
	for rows.Next() {
		var size models.ThumbnailSize
		if err := rows.Scan(&size.ID, &size.Name, &size.Width, &size.Height); err != nil {
			return nil, fmt.Errorf("scan thumbnail size: %w", err)
		}
		sizes = append(sizes, size)
	}
	return sizes, rows.Err()
}

func (r *postgresRepository) ListAccountTiers(ctx context.Context) ([]models.AccountTier, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, link_to_original, generate_expiring_links FROM account_tiers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list account tiers: %w", err)
	}
	defer rows.Close()
	tiers := make([]models.AccountTier, 0)
	byID := make(map[string]int)
	for rows.Next() {
		var tier models.AccountTier
		if err := rows.Scan(&tier.ID, &tier.Name, &tier.LinkToOriginal, &tier.GenerateExpiringLinks); err != nil {
			return nil, fmt.Errorf("scan account tier: %w", err)
		}
		byID[tier.ID] = len(tiers)
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sizeRows, err := r.pool.Query(ctx, `SELECT tier_id, size_id FROM account_tier_sizes`)
	if err != nil {
		return nil, fmt.Errorf("list tier sizes: %w", err)
	}
	defer sizeRows.Close()
	for sizeRows.Next() {
		var tierID, sizeID string
		if err := sizeRows.Scan(&tierID, &sizeID); err != nil {
			return nil, fmt.Errorf("scan tier size: %w", err)
		}
		if idx, ok := byID[tierID]; ok {
			tiers[idx].SizeIDs = append(tiers[idx].SizeIDs, sizeID)
		}
	}
	return tiers, sizeRows.Err()
}

func (r *postgresRepository) GrantTiers(ctx context.Context, userID string, tierIDs []string) error {
	if strings.TrimSpace(userID) == "" {
		return validationError("user is required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin grant: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM granted_tiers WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear grants: %w", err)
	}
	for _, tierID := range tierIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO granted_tiers (user_id, tier_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			userID, tierID,
		); err != nil {
			if isForeignKeyViolation(err) {
				return validationError("unknown account tier %s", tierID)
			}
			return fmt.Errorf("insert grant: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *postgresRepository) GrantedTierIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT tier_id FROM granted_tiers WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
