package tier

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"imagevault/internal/models"
)

type fakeCatalog struct {
	tiers  []models.AccountTier
	sizes  []models.ThumbnailSize
	grants map[string][]string
	err    error
}

func (f *fakeCatalog) ListAccountTiers(ctx context.Context) ([]models.AccountTier, error) {
	return f.tiers, f.err
}

func (f *fakeCatalog) ListThumbnailSizes(ctx context.Context) ([]models.ThumbnailSize, error) {
	return f.sizes, f.err
}

func (f *fakeCatalog) GrantedTierIDs(ctx context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.grants[userID], nil
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		sizes: []models.ThumbnailSize{
			{ID: "sz-small", Name: "small", Width: 200, Height: 200},
			{ID: "sz-medium", Name: "medium", Width: 400, Height: 400},
			{ID: "sz-large", Name: "large", Width: 800, Height: 800},
			{ID: "sz-alias", Name: "alias", Width: 200, Height: 200},
		},
		tiers: []models.AccountTier{
			{ID: "tier-basic", Name: "Basic", SizeIDs: []string{"sz-small"}},
			{ID: "tier-premium", Name: "Premium", SizeIDs: []string{"sz-alias", "sz-medium"}, LinkToOriginal: true},
			{ID: "tier-enterprise", Name: "Enterprise", SizeIDs: []string{"sz-large"}, LinkToOriginal: true, GenerateExpiringLinks: true},
		},
		grants: map[string][]string{},
	}
}

func TestResolveUnionsGrantedTiers(t *testing.T) {
	catalog := testCatalog()
	catalog.grants["usr-1"] = []string{"tier-basic", "tier-premium"}

	got, err := NewResolver(catalog).Resolve(context.Background(), "usr-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []Dimensions{{Width: 200, Height: 200}, {Width: 400, Height: 400}}
	if !reflect.DeepEqual(got.Sizes, want) {
		t.Fatalf("sizes = %v, want %v", got.Sizes, want)
	}
	if !got.CanLinkOriginal {
		t.Fatal("premium grant should allow original links")
	}
	if got.CanGenerateExpiringLinks {
		t.Fatal("expiring links should require the enterprise tier")
	}
}

func TestResolveDeduplicatesSharedDimensions(t *testing.T) {
	catalog := testCatalog()
	catalog.grants["usr-1"] = []string{"tier-basic", "tier-premium", "tier-enterprise"}

	got, err := NewResolver(catalog).Resolve(context.Background(), "usr-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// sz-small and sz-alias share 200x200 and collapse to one entry.
	want := []Dimensions{{Width: 200, Height: 200}, {Width: 400, Height: 400}, {Width: 800, Height: 800}}
	if !reflect.DeepEqual(got.Sizes, want) {
		t.Fatalf("sizes = %v, want %v", got.Sizes, want)
	}
	if !got.CanGenerateExpiringLinks {
		t.Fatal("enterprise grant should allow expiring links")
	}
}

func TestResolveNoGrantsYieldsEmptyEntitlement(t *testing.T) {
	got, err := NewResolver(testCatalog()).Resolve(context.Background(), "usr-nobody")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got.Sizes) != 0 || got.CanLinkOriginal || got.CanGenerateExpiringLinks {
		t.Fatalf("entitlement = %+v, want empty", got)
	}
}

func TestResolveIgnoresDanglingReferences(t *testing.T) {
	catalog := testCatalog()
	catalog.grants["usr-1"] = []string{"tier-deleted", "tier-basic"}
	catalog.tiers = append(catalog.tiers, models.AccountTier{ID: "tier-stale", Name: "Stale", SizeIDs: []string{"sz-gone"}})
	catalog.grants["usr-2"] = []string{"tier-stale"}

	got, err := NewResolver(catalog).Resolve(context.Background(), "usr-1")
	if err != nil {
		t.Fatalf("resolve usr-1: %v", err)
	}
	if len(got.Sizes) != 1 {
		t.Fatalf("sizes = %v, want the basic size only", got.Sizes)
	}

	stale, err := NewResolver(catalog).Resolve(context.Background(), "usr-2")
	if err != nil {
		t.Fatalf("resolve usr-2: %v", err)
	}
	if len(stale.Sizes) != 0 {
		t.Fatalf("sizes = %v, want none for a tier of deleted sizes", stale.Sizes)
	}
}

func TestResolvePropagatesCatalogErrors(t *testing.T) {
	catalog := testCatalog()
	catalog.err = errors.New("catalog down")
	if _, err := NewResolver(catalog).Resolve(context.Background(), "usr-1"); err == nil {
		t.Fatal("expected error from failing catalog")
	}
}

func TestDimensionsLabel(t *testing.T) {
	if got := (Dimensions{Width: 200, Height: 100}).Label(); got != "200x100px" {
		t.Fatalf("label = %q", got)
	}
}
