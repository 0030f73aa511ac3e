package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"imagevault/internal/models"
)

type dataset struct {
	Images         map[string]models.Image         `json:"images"`
	Thumbnails     map[string]models.Thumbnail     `json:"thumbnails"`
	ExpiringLinks  map[string]models.ExpiringLink  `json:"expiringLinks"`
	ThumbnailSizes map[string]models.ThumbnailSize `json:"thumbnailSizes"`
	AccountTiers   map[string]models.AccountTier   `json:"accountTiers"`
	Grants         map[string][]string             `json:"grants"`
}

func newDataset() dataset {
	return dataset{
		Images:         make(map[string]models.Image),
		Thumbnails:     make(map[string]models.Thumbnail),
		ExpiringLinks:  make(map[string]models.ExpiringLink),
		ThumbnailSizes: make(map[string]models.ThumbnailSize),
		AccountTiers:   make(map[string]models.AccountTier),
		Grants:         make(map[string][]string),
	}
}

// Storage is the JSON-file-backed repository implementation. All mutations
// are applied to a cloned dataset and persisted atomically before being
// swapped in, so a failed persist leaves the in-memory state untouched.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	blobs    BlobStore
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or initialises) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		blobs:    noopBlobStore{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Images == nil {
		s.data.Images = make(map[string]models.Image)
	}
	if s.data.Thumbnails == nil {
		s.data.Thumbnails = make(map[string]models.Thumbnail)
	}
	if s.data.ExpiringLinks == nil {
		s.data.ExpiringLinks = make(map[string]models.ExpiringLink)
	}
	if s.data.ThumbnailSizes == nil {
		s.data.ThumbnailSizes = make(map[string]models.ThumbnailSize)
	}
	if s.data.AccountTiers == nil {
		s.data.AccountTiers = make(map[string]models.AccountTier)
	}
	if s.data.Grants == nil {
		s.data.Grants = make(map[string][]string)
	}
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, image := range src.Images {
		clone.Images[id] = image
	}
	for id, thumb := range src.Thumbnails {
		clone.Thumbnails[id] = thumb
	}
	for id, link := range src.ExpiringLinks {
		clone.ExpiringLinks[id] = link
	}
	for id, size := range src.ThumbnailSizes {
		clone.ThumbnailSizes[id] = size
	}
	for id, tier := range src.AccountTiers {
		cloned := tier
		if tier.SizeIDs != nil {
			cloned.SizeIDs = append([]string(nil), tier.SizeIDs...)
		}
		clone.AccountTiers[id] = cloned
	}
	for user, tiers := range src.Grants {
		clone.Grants[user] = append([]string(nil), tiers...)
	}
	return clone
}

// Ping reports datastore health. The JSON store is healthy whenever its
// backing directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *Storage) CreateImage(ctx context.Context, params CreateImageParams) (models.Image, error) {
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
	if err := s.blobs.Put(ctx, key, params.ContentType, params.Data); err != nil {
		return models.Image{}, fmt.Errorf("store image blob: %w", err)
	}

	image := models.Image{
		ID:         id,
		Name:       name,
		Slug:       imageSlug(name, id),
		OwnerID:    owner,
		StorageKey: key,
		Filename:   filepath.Base(params.Filename),
		CreatedAt:  s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneDataset(s.data)
	clone.Images[image.ID] = image
	if err := s.persistDataset(clone); err != nil {
		_ = s.blobs.Delete(ctx, key)
		return models.Image{}, err
	}
	s.data = clone
	return image, nil
}

func (s *Storage) ImageByID(ctx context.Context, id string) (models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, ok := s.data.Images[id]
	if !ok {
		return models.Image{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return image, nil
}

func (s *Storage) ImageBySlug(ctx context.Context, ownerID, slug string) (models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, ok := s.findImageBySlugLocked(ownerID, slug)
	if !ok {
		return models.Image{}, fmt.Errorf("image %s: %w", slug, ErrNotFound)
	}
	return image, nil
}

// findImageBySlugLocked scopes the lookup to the owner so a foreign slug is
// indistinguishable from a missing one.
func (s *Storage) findImageBySlugLocked(ownerID, slug string) (models.Image, bool) {
	for _, image := range s.data.Images {
		if image.Slug == slug && image.OwnerID == ownerID {
			return image, true
		}
	}
	return models.Image{}, false
}

func (s *Storage) ListImages(ctx context.Context, ownerID string) ([]models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	images := make([]models.Image, 0)
	for _, image := range s.data.Images {
		if image.OwnerID == ownerID {
			images = append(images, image)
		}
	}
	sort.Slice(images, func(i, j int) bool {
		if images[i].CreatedAt.Equal(images[j].CreatedAt) {
			return images[i].ID < images[j].ID
		}
		return images[i].CreatedAt.Before(images[j].CreatedAt)
	})
	return images, nil
}

func (s *Storage) DeleteImage(ctx context.Context, ownerID, slug string) error {
	s.mu.Lock()
	image, ok := s.findImageBySlugLocked(ownerID, slug)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("image %s: %w", slug, ErrNotFound)
	}

	clone := cloneDataset(s.data)
	blobKeys := []string{image.StorageKey}
	for id, thumb := range clone.Thumbnails {
		if thumb.BaseImageID == image.ID {
			blobKeys = append(blobKeys, thumb.StorageKey)
			delete(clone.Thumbnails, id)
		}
	}
	for id, link := range clone.ExpiringLinks {
		if link.BaseImageID == image.ID {
			blobKeys = append(blobKeys, link.StorageKey)
			delete(clone.ExpiringLinks, id)
		}
	}
	delete(clone.Images, image.ID)
	if err := s.persistDataset(clone); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data = clone
	s.mu.Unlock()

	// Blob removal is a required side effect of every deletion path, but it
	// is not transactional with the records: the records are gone either way
	// and a second delete of the same blob is a no-op.
	var blobErrs []error
	for _, key := range blobKeys {
		if key == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			blobErrs = append(blobErrs, err)
		}
	}
	return errors.Join(blobErrs...)
}

func (s *Storage) ImageBytes(ctx context.Context, imageID string) ([]byte, error) {
	image, err := s.ImageByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, image.StorageKey)
}

func (s *Storage) CreateThumbnail(ctx context.Context, params CreateThumbnailParams) (models.Thumbnail, bool, error) {
	if strings.TrimSpace(params.SizeLabel) == "" {
		return models.Thumbnail{}, false, validationError("size label is required")
	}

	s.mu.RLock()
	_, baseExists := s.data.Images[params.BaseImageID]
	existing, duplicate := s.findThumbnailLocked(params.BaseImageID, params.SizeLabel)
	s.mu.RUnlock()
	if !baseExists {
		return models.Thumbnail{}, false, fmt.Errorf("image %s: %w", params.BaseImageID, ErrNotFound)
	}
	if duplicate {
		return existing, false, nil
	}

	id, err := generateID()
	if err != nil {
		return models.Thumbnail{}, false, err
	}
	key := NewObjectKey("thumbnails", params.SizeLabel+".png")
	if err := s.blobs.Put(ctx, key, params.ContentType, params.Data); err != nil {
		return models.Thumbnail{}, false, fmt.Errorf("store thumbnail blob: %w", err)
	}

	thumbnail := models.Thumbnail{
		ID:          id,
		BaseImageID: params.BaseImageID,
		CreatorID:   params.CreatorID,
		StorageKey:  key,
		SizeLabel:   params.SizeLabel,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock: the base image may have been cascade
	// deleted, or a concurrent derivation may have won the same label.
	if _, ok := s.data.Images[params.BaseImageID]; !ok {
		_ = s.blobs.Delete(ctx, key)
		return models.Thumbnail{}, false, fmt.Errorf("image %s: %w", params.BaseImageID, ErrNotFound)
	}
	if winner, ok := s.findThumbnailLocked(params.BaseImageID, params.SizeLabel); ok {
		_ = s.blobs.Delete(ctx, key)
		return winner, false, nil
	}
	clone := cloneDataset(s.data)
	clone.Thumbnails[thumbnail.ID] = thumbnail
	if err := s.persistDataset(clone); err != nil {
		_ = s.blobs.Delete(ctx, key)
		return models.Thumbnail{}, false, err
	}
	s.data = clone
	return thumbnail, true, nil
}

func (s *Storage) findThumbnailLocked(baseImageID, sizeLabel string) (models.Thumbnail, bool) {
	for _, thumb := range s.data.Thumbnails {
		if thumb.BaseImageID == baseImageID && thumb.SizeLabel == sizeLabel {
			return thumb, true
		}
	}
	return models.Thumbnail{}, false
}

func (s *Storage) ListThumbnails(ctx context.Context, imageID string) ([]models.Thumbnail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thumbnails := make([]models.Thumbnail, 0)
	for _, thumb := range s.data.Thumbnails {
		if thumb.BaseImageID == imageID {
			thumbnails = append(thumbnails, thumb)
		}
	}
	sort.Slice(thumbnails, func(i, j int) bool {
		return thumbnails[i].SizeLabel < thumbnails[j].SizeLabel
	})
	return thumbnails, nil
}

func (s *Storage) CreateExpiringLink(ctx context.Context, params CreateExpiringLinkParams) (models.ExpiringLink, error) {
	if err := validateExpiringLinkTTL(params.TTLSeconds); err != nil {
		return models.ExpiringLink{}, err
	}

	s.mu.RLock()
	image, ok := s.findImageBySlugLocked(params.OwnerID, params.Slug)
	s.mu.RUnlock()
	if !ok {
		return models.ExpiringLink{}, fmt.Errorf("image %s: %w", params.Slug, ErrNotFound)
	}

	// The link gets a full independent copy of the original bytes, so its
	// lifetime is decoupled from the base image except through the cascade.
	data, err := s.blobs.Get(ctx, image.StorageKey)
	if err != nil {
		return models.ExpiringLink{}, fmt.Errorf("copy source blob: %w", err)
	}
	id, err := generateID()
	if err != nil {
		return models.ExpiringLink{}, err
	}
	key := NewObjectKey("expiring", image.Filename)
	if err := s.blobs.Put(ctx, key, "", data); err != nil {
		return models.ExpiringLink{}, fmt.Errorf("store link blob: %w", err)
	}

	link := models.ExpiringLink{
		ID:          id,
		BaseImageID: image.ID,
		StorageKey:  key,
		TTLSeconds:  params.TTLSeconds,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Images[image.ID]; !ok {
		_ = s.blobs.Delete(ctx, key)
		return models.ExpiringLink{}, fmt.Errorf("image %s: %w", params.Slug, ErrNotFound)
	}
	clone := cloneDataset(s.data)
	clone.ExpiringLinks[link.ID] = link
	if err := s.persistDataset(clone); err != nil {
		_ = s.blobs.Delete(ctx, key)
		return models.ExpiringLink{}, err
	}
	s.data = clone
	return link, nil
}

func (s *Storage) ListExpiringLinks(ctx context.Context, ownerID, slug string) ([]models.ExpiringLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, ok := s.findImageBySlugLocked(ownerID, slug)
	if !ok {
		return nil, fmt.Errorf("image %s: %w", slug, ErrNotFound)
	}
	links := make([]models.ExpiringLink, 0)
	for _, link := range s.data.ExpiringLinks {
		if link.BaseImageID == image.ID {
			links = append(links, link)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].ID < links[j].ID
		}
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
	return links, nil
}

func (s *Storage) DeleteExpiringLink(ctx context.Context, id string) error {
	s.mu.Lock()
	link, ok := s.data.ExpiringLinks[id]
	if !ok {
		// Already deleted, by hand or by the cascade. The reaper treats this
		// as success.
		s.mu.Unlock()
		return nil
	}
	clone := cloneDataset(s.data)
	delete(clone.ExpiringLinks, id)
	if err := s.persistDataset(clone); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data = clone
	s.mu.Unlock()

	return s.blobs.Delete(ctx, link.StorageKey)
}

func (s *Storage) UpsertThumbnailSize(ctx context.Context, size models.ThumbnailSize) (models.ThumbnailSize, error) {
	size.Name = strings.TrimSpace(size.Name)
	if size.Name == "" {
		return models.ThumbnailSize{}, validationError("size name is required")
	}
	if size.Width <= 0 || size.Height <= 0 {
		return models.ThumbnailSize{}, validationError("size dimensions must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.data.ThumbnailSizes {
		if existing.Name == size.Name && id != size.ID {
			size.ID = id
			break
		}
	}
	if size.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.ThumbnailSize{}, err
		}
		size.ID = id
	}
	clone := cloneDataset(s.data)
	clone.ThumbnailSizes[size.ID] = size
	if err := s.persistDataset(clone); err != nil {
		return models.ThumbnailSize{}, err
	}
	s.data = clone
	return size, nil
}

func (s *Storage) UpsertAccountTier(ctx context.Context, tier models.AccountTier) (models.AccountTier, error) {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" {
		return models.AccountTier{}, validationError("tier name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sizeID := range tier.SizeIDs {
		if _, ok := s.data.ThumbnailSizes[sizeID]; !ok {
			return models.AccountTier{}, validationError("unknown thumbnail size %s", sizeID)
		}
	}
	for id, existing := range s.data.AccountTiers {
		if existing.Name == tier.Name && id != tier.ID {
			tier.ID = id
			break
		}
	}
	if tier.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.AccountTier{}, err
		}
		tier.ID = id
	}
	stored := tier
	stored.SizeIDs = append([]string(nil), tier.SizeIDs...)
	clone := cloneDataset(s.data)
	clone.AccountTiers[stored.ID] = stored
	if err := s.persistDataset(clone); err != nil {
		return models.AccountTier{}, err
	}
	s.data = clone
	return stored, nil
}

func (s *Storage) ListThumbnailSizes(ctx context.Context) ([]models.ThumbnailSize, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sizes := make([]models.ThumbnailSize, 0, len(s.data.ThumbnailSizes))
	for _, size := range s.data.ThumbnailSizes {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].Name < sizes[j].Name })
	return sizes, nil
}

func (s *Storage) ListAccountTiers(ctx context.Context) ([]models.AccountTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tiers := make([]models.AccountTier, 0, len(s.data.AccountTiers))
	for _, tier := range s.data.AccountTiers {
		cloned := tier
		cloned.SizeIDs = append([]string(nil), tier.SizeIDs...)
		tiers = append(tiers, cloned)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Name < tiers[j].Name })
	return tiers, nil
}

func (s *Storage) GrantTiers(ctx context.Context, userID string, tierIDs []string) error {
	if strings.TrimSpace(userID) == "" {
		return validationError("user is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(tierIDs))
	granted := make([]string, 0, len(tierIDs))
	for _, tierID := range tierIDs {
		if _, ok := s.data.AccountTiers[tierID]; !ok {
			return validationError("unknown account tier %s", tierID)
		}
		if _, dup := seen[tierID]; dup {
			continue
		}
		seen[tierID] = struct{}{}
		granted = append(granted, tierID)
	}
	clone := cloneDataset(s.data)
	clone.Grants[userID] = granted
	if err := s.persistDataset(clone); err != nil {
		return err
	}
	s.data = clone
	return nil
}

func (s *Storage) GrantedTierIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.data.Grants[userID]...), nil
}
