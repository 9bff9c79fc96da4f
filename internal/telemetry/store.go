package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/postgres"
)

// schema creates the snapshot tables. Endpoint rows make per-endpoint
// trends queryable without unpacking the JSON document.
const schema = `
CREATE TABLE IF NOT EXISTS telemetry_snapshots (
    id          BIGSERIAL PRIMARY KEY,
    data        JSONB NOT NULL,
    captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS telemetry_endpoint_counts (
    snapshot_id BIGINT NOT NULL REFERENCES telemetry_snapshots(id) ON DELETE CASCADE,
    endpoint    TEXT NOT NULL,
    queries     BIGINT NOT NULL,
    PRIMARY KEY (snapshot_id, endpoint)
);`

// Store persists Stats snapshots in PostgreSQL.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a Store.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "telemetry-store"),
	}
}

// EnsureSchema creates the snapshot tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating telemetry schema: %w", err)
	}
	return nil
}

// SaveSnapshot writes stats and its endpoint ranking in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, stats Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		var id int64
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO telemetry_snapshots (data, captured_at) VALUES ($1, $2) RETURNING id`,
			data, time.Now().UTC(),
		).Scan(&id); err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		for _, ec := range stats.TopEndpoints {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO telemetry_endpoint_counts (snapshot_id, endpoint, queries) VALUES ($1, $2, $3)`,
				id, ec.Endpoint, ec.Count,
			); err != nil {
				return fmt.Errorf("inserting endpoint count %q: %w", ec.Endpoint, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving telemetry snapshot: %w", err)
	}
	s.logger.Info("telemetry snapshot saved",
		"total_queries", stats.TotalQueries,
		"hit_rate", stats.HitRate,
	)
	return nil
}

// LatestSnapshot loads the most recent snapshot, or nil when none exist.
func (s *Store) LatestSnapshot(ctx context.Context) (*Stats, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data FROM telemetry_snapshots ORDER BY captured_at DESC LIMIT 1`,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}
	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &stats, nil
}

// ListSnapshots returns the last limit snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]Stats, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT data FROM telemetry_snapshots ORDER BY captured_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]Stats, 0, limit)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var stats Stats
		if err := json.Unmarshal(data, &stats); err != nil {
			s.logger.Warn("skipping corrupt snapshot", "error", err)
			continue
		}
		snapshots = append(snapshots, stats)
	}
	return snapshots, rows.Err()
}
