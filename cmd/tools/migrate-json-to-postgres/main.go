// Command migrate-json-to-postgres copies a JSON datastore into Postgres and
// verifies row counts afterwards. The JSON file is never modified, so the
// migration can be re-run against a fresh database until the cutover sticks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"imagevault/internal/storage"
)

func main() {
	var (
		jsonPath string
		dsn      string
		timeout  time.Duration
	)

	flag.StringVar(&jsonPath, "json", "data/imagevault.json", "Path to the JSON datastore to migrate")
	flag.StringVar(&dsn, "postgres-dsn", "", "Postgres connection string (falls back to IMAGEVAULT_POSTGRES_DSN, then DATABASE_URL)")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Overall migration deadline")
	flag.Parse()

	dsn = resolveDSN(dsn)
	if dsn == "" {
		fatalf("a Postgres DSN is required via --postgres-dsn, IMAGEVAULT_POSTGRES_DSN, or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	snapshot, err := storage.LoadSnapshotFromJSON(jsonPath)
	if err != nil {
		fatalf("load json datastore: %v", err)
	}
	counts := snapshot.Counts()
	fmt.Printf("Loaded %s: %d images, %d thumbnails, %d expiring links, %d sizes, %d tiers, %d grants\n",
		jsonPath, counts.Images, counts.Thumbnails, counts.ExpiringLinks, counts.ThumbnailSizes, counts.AccountTiers, counts.Grants)

	repo, err := storage.NewPostgresRepository(ctx, dsn, storage.WithPostgresApplicationName("imagevault-migrate"))
	if err != nil {
		fatalf("open postgres: %v", err)
	}
	defer closeRepository(repo)

	if err := storage.ImportSnapshotToPostgres(ctx, repo, snapshot); err != nil {
		fatalf("import snapshot: %v", err)
	}

	if err := verifyCounts(ctx, dsn, counts, grantRows(snapshot)); err != nil {
		fatalf("verify migration: %v", err)
	}

	fmt.Println("Migration complete, row counts match the JSON datastore.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func resolveDSN(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("IMAGEVAULT_POSTGRES_DSN")); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "close repository: %v\n", err)
		}
	}
}

// grantRows counts (user, tier) pairs, since granted_tiers stores one row per
// pair rather than one per user.
func grantRows(snapshot *storage.Snapshot) int {
	total := 0
	for _, tierIDs := range snapshot.Grants {
		total += len(tierIDs)
	}
	return total
}

func verifyCounts(ctx context.Context, dsn string, want storage.SnapshotCounts, wantGrantRows int) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open verification pool: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		table string
		want  int
	}{
		{"images", want.Images},
		{"thumbnails", want.Thumbnails},
		{"expiring_links", want.ExpiringLinks},
		{"thumbnail_sizes", want.ThumbnailSizes},
		{"account_tiers", want.AccountTiers},
		{"granted_tiers", wantGrantRows},
	}
	for _, check := range checks {
		var got int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", check.table)
		if err := pool.QueryRow(ctx, query).Scan(&got); err != nil {
			return fmt.Errorf("count %s: %w", check.table, err)
		}
		if got != check.want {
			return fmt.Errorf("table %s has %d rows, snapshot has %d", check.table, got, check.want)
		}
	}
	return nil
}
