//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openPostgresRepositoryForTest(t *testing.T) Repository {
	t.Helper()
	dsn := os.Getenv("IMAGEVAULT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IMAGEVAULT_TEST_POSTGRES_DSN not set")
	}
	blobs, err := NewLocalBlobStore(filepath.Join(t.TempDir(), "blobs"), "")
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	repo, err := NewPostgresRepository(ctx, dsn,
		WithBlobStore(blobs),
		WithPostgresApplicationName("imagevault-test"),
	)
	if err != nil {
		t.Fatalf("open postgres repository: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if c, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = c.Close(closeCtx)
		}
	})
	return repo
}

func TestPostgresImageLifecycle(t *testing.T) {
	repo := openPostgresRepositoryForTest(t)
	ctx := context.Background()
	owner := fmt.Sprintf("it-user-%d", time.Now().UnixNano())

	image, err := repo.CreateImage(ctx, CreateImageParams{
		OwnerID:     owner,
		Name:        "integration",
		Filename:    "it.png",
		ContentType: "image/png",
		Data:        []byte("png-bytes"),
	})
	if err != nil {
		t.Fatalf("create image: %v", err)
	}

	got, err := repo.ImageBySlug(ctx, owner, image.Slug)
	if err != nil {
		t.Fatalf("lookup by slug: %v", err)
	}
	if got.ID != image.ID {
		t.Fatalf("slug lookup returned %s, want %s", got.ID, image.ID)
	}
	if _, err := repo.ImageBySlug(ctx, owner+"-other", image.Slug); !IsNotFound(err) {
		t.Fatalf("foreign slug lookup err = %v, want not found", err)
	}

	thumb, created, err := repo.CreateThumbnail(ctx, CreateThumbnailParams{
		BaseImageID: image.ID,
		CreatorID:   owner,
		SizeLabel:   "200x200px",
		ContentType: "image/png",
		Data:        []byte("thumb-bytes"),
	})
	if err != nil || !created {
		t.Fatalf("create thumbnail: created=%v err=%v", created, err)
	}
	if _, created, err = repo.CreateThumbnail(ctx, CreateThumbnailParams{
		BaseImageID: image.ID,
		CreatorID:   owner,
		SizeLabel:   "200x200px",
		ContentType: "image/png",
		Data:        []byte("thumb-bytes"),
	}); err != nil || created {
		t.Fatalf("duplicate thumbnail: created=%v err=%v", created, err)
	}

	link, err := repo.CreateExpiringLink(ctx, CreateExpiringLinkParams{OwnerID: owner, Slug: image.Slug, TTLSeconds: 60})
	if err != nil {
		t.Fatalf("create expiring link: %v", err)
	}

	if err := repo.DeleteImage(ctx, owner, image.Slug); err != nil {
		t.Fatalf("delete image: %v", err)
	}
	if _, err := repo.ImageByID(ctx, image.ID); !IsNotFound(err) {
		t.Fatalf("image survived deletion: %v", err)
	}
	thumbs, err := repo.ListThumbnails(ctx, image.ID)
	if err != nil {
		t.Fatalf("list thumbnails: %v", err)
	}
	if len(thumbs) != 0 {
		t.Fatalf("thumbnail %s survived cascade", thumb.ID)
	}
	if err := repo.DeleteExpiringLink(ctx, link.ID); err != nil {
		t.Fatalf("deleting a cascaded link must succeed: %v", err)
	}
}

func TestPostgresCatalogRoundTrip(t *testing.T) {
	repo := openPostgresRepositoryForTest(t)
	ctx := context.Background()
	suffix := time.Now().UnixNano()

	size, err := repo.UpsertThumbnailSize(ctx, thumbnailSize(fmt.Sprintf("it-size-%d", suffix), 200, 200))
	if err != nil {
		t.Fatalf("upsert size: %v", err)
	}
	tier, err := repo.UpsertAccountTier(ctx, accountTier(fmt.Sprintf("it-tier-%d", suffix), size.ID))
	if err != nil {
		t.Fatalf("upsert tier: %v", err)
	}

	user := fmt.Sprintf("it-grant-%d", suffix)
	if err := repo.GrantTiers(ctx, user, []string{tier.ID}); err != nil {
		t.Fatalf("grant tiers: %v", err)
	}
	granted, err := repo.GrantedTierIDs(ctx, user)
	if err != nil {
		t.Fatalf("granted tier ids: %v", err)
	}
	if len(granted) != 1 || granted[0] != tier.ID {
		t.Fatalf("granted = %v, want [%s]", granted, tier.ID)
	}
}
