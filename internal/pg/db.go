package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"viewer-stats/internal/latency"
)

// DB owns the pool and the timed statement path used by the stores.
type DB struct {
	Pool    *pgxpool.Pool
	sampler *latency.Sampler
	q       Querier
}

// Connect opens a pool for dsn. Statements are recorded into sampler.
func Connect(ctx context.Context, dsn string, sampler *latency.Sampler) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return &DB{Pool: pool, sampler: sampler, q: WithTiming(pool, sampler)}, nil
}

func (db *DB) Close() {
	if db != nil && db.Pool != nil {
		db.Pool.Close()
	}
}

// Ready runs a trivial query.
func (db *DB) Ready(ctx context.Context) error {
	var one int
	return db.q.QueryRow(ctx, "select 1").Scan(&one)
}

// EnsureSchema creates the stats tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS dedup_records (
  id               uuid PRIMARY KEY,
  dedup_key        text NOT NULL UNIQUE,
  viewer_id        text NOT NULL,
  channel_id       text NOT NULL,
  heartbeat_at     timestamptz NOT NULL,
  duration_seconds double precision NOT NULL DEFAULT 0,
  created_at       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dedup_records_created_at_idx ON dedup_records (created_at);

CREATE TABLE IF NOT EXISTS daily_stats (
  viewer_id         text NOT NULL,
  channel_id        text NOT NULL,
  day               date NOT NULL,
  watch_minutes     double precision NOT NULL DEFAULT 0,
  message_count     bigint NOT NULL DEFAULT 0,
  last_heartbeat_at timestamptz,
  PRIMARY KEY (viewer_id, channel_id, day)
);

CREATE TABLE IF NOT EXISTS lifetime_stats (
  viewer_id                text NOT NULL,
  channel_id               text NOT NULL,
  total_watch_time_minutes double precision NOT NULL DEFAULT 0,
  total_messages           bigint NOT NULL DEFAULT 0,
  tracking_days            integer NOT NULL DEFAULT 0,
  longest_streak_days      integer NOT NULL DEFAULT 0,
  current_streak_days      integer NOT NULL DEFAULT 0,
  last_active_day          date,
  updated_at               timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (viewer_id, channel_id),
  CHECK (longest_streak_days >= current_streak_days)
);`
	if _, err := db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
