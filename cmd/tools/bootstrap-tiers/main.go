// Command bootstrap-tiers seeds the thumbnail size and account tier catalog
// and optionally grants tiers to a user.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"imagevault/internal/models"
	"imagevault/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		grantUser   string
		grantTiers  string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&grantUser, "grant-user", "", "User ID to grant tiers to")
	flag.StringVar(&grantTiers, "grant-tiers", "", "Comma separated tier names to grant")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if grantTiers != "" && strings.TrimSpace(grantUser) == "" {
		fatalf("--grant-tiers requires --grant-user")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sizes, err := seedSizes(ctx, repo)
	if err != nil {
		fatalf("seed thumbnail sizes: %v", err)
	}
	tiers, err := seedTiers(ctx, repo, sizes)
	if err != nil {
		fatalf("seed account tiers: %v", err)
	}
	for _, tier := range tiers {
		fmt.Printf("Tier %s ready (%d sizes, original=%v, expiring=%v).\n",
			tier.Name, len(tier.SizeIDs), tier.LinkToOriginal, tier.GenerateExpiringLinks)
	}

	if grantTiers != "" {
		ids, err := tierIDsByName(tiers, grantTiers)
		if err != nil {
			fatalf("resolve tiers: %v", err)
		}
		if err := repo.GrantTiers(ctx, strings.TrimSpace(grantUser), ids); err != nil {
			fatalf("grant tiers: %v", err)
		}
		fmt.Printf("Granted %d tier(s) to %s.\n", len(ids), strings.TrimSpace(grantUser))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(context.Background(), postgresDSN)
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}

func seedSizes(ctx context.Context, repo storage.Repository) (map[string]models.ThumbnailSize, error) {
	defaults := []models.ThumbnailSize{
		{Name: "small", Width: 200, Height: 200},
		{Name: "medium", Width: 400, Height: 400},
		{Name: "large", Width: 800, Height: 800},
	}
	seeded := make(map[string]models.ThumbnailSize, len(defaults))
	for _, size := range defaults {
		created, err := repo.UpsertThumbnailSize(ctx, size)
		if err != nil {
			return nil, fmt.Errorf("upsert size %s: %w", size.Name, err)
		}
		seeded[created.Name] = created
	}
	return seeded, nil
}

func seedTiers(ctx context.Context, repo storage.Repository, sizes map[string]models.ThumbnailSize) ([]models.AccountTier, error) {
	defaults := []struct {
		name          string
		sizeNames     []string
		linkOriginal  bool
		expiringLinks bool
	}{
		{name: "Basic", sizeNames: []string{"small"}},
		{name: "Premium", sizeNames: []string{"small", "medium"}, linkOriginal: true},
		{name: "Enterprise", sizeNames: []string{"small", "medium", "large"}, linkOriginal: true, expiringLinks: true},
	}

	tiers := make([]models.AccountTier, 0, len(defaults))
	for _, def := range defaults {
		sizeIDs := make([]string, 0, len(def.sizeNames))
		for _, name := range def.sizeNames {
			size, ok := sizes[name]
			if !ok {
				return nil, fmt.Errorf("size %q was not seeded", name)
			}
			sizeIDs = append(sizeIDs, size.ID)
		}
		created, err := repo.UpsertAccountTier(ctx, models.AccountTier{
			Name:                  def.name,
			SizeIDs:               sizeIDs,
			LinkToOriginal:        def.linkOriginal,
			GenerateExpiringLinks: def.expiringLinks,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert tier %s: %w", def.name, err)
		}
		tiers = append(tiers, created)
	}
	return tiers, nil
}

func tierIDsByName(tiers []models.AccountTier, raw string) ([]string, error) {
	byName := make(map[string]string, len(tiers))
	for _, tier := range tiers {
		byName[strings.ToLower(tier.Name)] = tier.ID
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", strings.TrimSpace(part))
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no tiers named in %q", raw)
	}
	return ids, nil
}
