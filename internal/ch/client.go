package ch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"viewer-stats/internal/model"
)

// Client wraps a ClickHouse connection holding the activity archive.
type Client struct {
	db *sql.DB
}

// New opens and pings a ClickHouse connection.
func New(ctx context.Context, dsn string) (*Client, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// EnsureSchema creates the activity table. ReplacingMergeTree keyed on
// dedup_key collapses records redelivered by the loader.
func (c *Client) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS activity
(
  event_time     DateTime64(3, 'UTC'),
  event_date     Date,
  kind           LowCardinality(String),
  source         LowCardinality(String),
  viewer_id      String,
  channel_id     String,
  watch_minutes  Float64,
  messages       Int64,
  dedup_key      String,
  _ingested_at   DateTime64(3, 'UTC')
)
ENGINE = ReplacingMergeTree(_ingested_at)
PARTITION BY toYYYYMM(event_date)
ORDER BY (channel_id, event_date, viewer_id, kind, dedup_key, event_time)`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

// InsertBatch writes records in one transaction with a prepared statement.
func (c *Client) InsertBatch(ctx context.Context, records []model.ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO activity (
	event_time, event_date, kind, source, viewer_id, channel_id,
	watch_minutes, messages, dedup_key, _ingested_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.EventTime, r.EventDate, r.Kind, r.Source, r.ViewerID, r.ChannelID,
			r.WatchMinutes, r.Messages, r.DedupKey, r.IngestedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// MetricPoint is one day of a channel series.
type MetricPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// WatchMinutes returns the channel's total watch minutes per day.
func (c *Client) WatchMinutes(ctx context.Context, channelID string, from, to time.Time) ([]MetricPoint, error) {
	return c.series(ctx, `
SELECT event_date, sum(watch_minutes)
FROM activity FINAL
WHERE channel_id = ? AND kind = 'watch' AND event_date BETWEEN ? AND ?
GROUP BY event_date
ORDER BY event_date ASC`, channelID, from, to)
}

// ActiveViewers returns distinct viewers with any activity per day.
func (c *Client) ActiveViewers(ctx context.Context, channelID string, from, to time.Time) ([]MetricPoint, error) {
	return c.series(ctx, `
SELECT event_date, toFloat64(uniqExact(viewer_id))
FROM activity
WHERE channel_id = ? AND event_date BETWEEN ? AND ?
GROUP BY event_date
ORDER BY event_date ASC`, channelID, from, to)
}

func (c *Client) series(ctx context.Context, query string, args ...any) ([]MetricPoint, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.Date, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ping ensures the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("clickhouse ping: %w", err)
	}
	return nil
}
