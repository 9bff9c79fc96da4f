//go:build integration

package telemetry

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/postgres"
)

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "insights_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "insights"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func TestStoreSavesAndListsSnapshots(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	store := NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := db.DB.ExecContext(ctx, `TRUNCATE telemetry_snapshots CASCADE`); err != nil {
		t.Fatalf("truncating: %v", err)
	}

	for i, total := range []int64{10, 20} {
		stats := Stats{
			TotalQueries: total,
			CacheHits:    total / 2,
			TopEndpoints: []EndpointCount{{Endpoint: "theme", Count: total}},
		}
		if err := store.SaveSnapshot(ctx, stats); err != nil {
			t.Fatalf("SaveSnapshot %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	latest, err := store.LatestSnapshot(ctx)
	if err != nil || latest == nil {
		t.Fatalf("LatestSnapshot = %v, %v", latest, err)
	}
	if latest.TotalQueries != 20 {
		t.Errorf("latest total = %d, want 20", latest.TotalQueries)
	}

	list, err := store.ListSnapshots(ctx, 5)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 2 || list[0].TotalQueries != 20 || list[1].TotalQueries != 10 {
		t.Errorf("snapshots = %+v", list)
	}

	var rows int
	if err := db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_endpoint_counts`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("endpoint count rows = %d, want 2", rows)
	}
}
