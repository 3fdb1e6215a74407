package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/model"
)

// Store is the Postgres implementation of aggregate.Store and aggregate.Reader.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store { return &Store{db: db} }

// InTx runs fn in a read-committed transaction. Row locks taken by
// LockLifetime serialize writers of the same pair.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx aggregate.Tx) error) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, &storeTx{q: WithTiming(tx, s.db.sampler)}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const lifetimeColumns = `viewer_id, channel_id, total_watch_time_minutes, total_messages,
  tracking_days, longest_streak_days, current_streak_days, last_active_day, updated_at`

// Lifetime reads a pair's row without locking it.
func (s *Store) Lifetime(ctx context.Context, viewerID, channelID string) (model.LifetimeStats, bool, error) {
	st, err := scanLifetime(s.db.q.QueryRow(ctx,
		`SELECT `+lifetimeColumns+` FROM lifetime_stats WHERE viewer_id = $1 AND channel_id = $2`,
		viewerID, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LifetimeStats{}, false, nil
	}
	if err != nil {
		return model.LifetimeStats{}, false, fmt.Errorf("select lifetime: %w", err)
	}
	return st, true, nil
}

// DailyRange returns the pair's rows for [from, to] ordered by day.
func (s *Store) DailyRange(ctx context.Context, viewerID, channelID string, from, to time.Time) ([]model.DailyStats, error) {
	rows, err := s.db.q.Query(ctx, `
SELECT viewer_id, channel_id, day, watch_minutes, message_count, last_heartbeat_at
FROM daily_stats
WHERE viewer_id = $1 AND channel_id = $2 AND day BETWEEN $3 AND $4
ORDER BY day ASC`, viewerID, channelID, model.Day(from), model.Day(to))
	if err != nil {
		return nil, fmt.Errorf("select daily: %w", err)
	}
	defer rows.Close()

	var out []model.DailyStats
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.ViewerID, &d.ChannelID, &d.Day, &d.WatchMinutes, &d.MessageCount, &d.LastHeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan daily: %w", err)
		}
		d.Day = model.Day(d.Day)
		out = append(out, d)
	}
	return out, rows.Err()
}

type storeTx struct {
	q Querier
}

func (t *storeTx) InsertDedup(ctx context.Context, rec model.DedupRecord) (bool, error) {
	tag, err := t.q.Exec(ctx, `
INSERT INTO dedup_records (id, dedup_key, viewer_id, channel_id, heartbeat_at, duration_seconds, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (dedup_key) DO NOTHING`,
		rec.ID.String(), rec.DedupKey, rec.ViewerID, rec.ChannelID, rec.HeartbeatAt, rec.DurationSeconds, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert dedup: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *storeTx) LockLifetime(ctx context.Context, viewerID, channelID string) (model.LifetimeStats, error) {
	if _, err := t.q.Exec(ctx, `
INSERT INTO lifetime_stats (viewer_id, channel_id) VALUES ($1, $2)
ON CONFLICT (viewer_id, channel_id) DO NOTHING`, viewerID, channelID); err != nil {
		return model.LifetimeStats{}, fmt.Errorf("seed lifetime: %w", err)
	}
	st, err := scanLifetime(t.q.QueryRow(ctx,
		`SELECT `+lifetimeColumns+` FROM lifetime_stats WHERE viewer_id = $1 AND channel_id = $2 FOR UPDATE`,
		viewerID, channelID))
	if err != nil {
		return model.LifetimeStats{}, fmt.Errorf("lock lifetime: %w", err)
	}
	return st, nil
}

func (t *storeTx) AddDaily(ctx context.Context, d aggregate.DailyDelta) (model.DailyStats, bool, error) {
	row := model.DailyStats{ViewerID: d.ViewerID, ChannelID: d.ChannelID, Day: model.Day(d.Day)}
	var created bool
	err := t.q.QueryRow(ctx, `
INSERT INTO daily_stats (viewer_id, channel_id, day, watch_minutes, message_count, last_heartbeat_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (viewer_id, channel_id, day) DO UPDATE SET
  watch_minutes     = daily_stats.watch_minutes + EXCLUDED.watch_minutes,
  message_count     = daily_stats.message_count + EXCLUDED.message_count,
  last_heartbeat_at = GREATEST(daily_stats.last_heartbeat_at, EXCLUDED.last_heartbeat_at)
RETURNING watch_minutes, message_count, last_heartbeat_at, (xmax = 0)`,
		d.ViewerID, d.ChannelID, row.Day, d.WatchMinutes, d.Messages, d.HeartbeatAt,
	).Scan(&row.WatchMinutes, &row.MessageCount, &row.LastHeartbeatAt, &created)
	if err != nil {
		return model.DailyStats{}, false, fmt.Errorf("upsert daily: %w", err)
	}
	return row, created, nil
}

func (t *storeTx) SaveLifetime(ctx context.Context, s model.LifetimeStats) error {
	tag, err := t.q.Exec(ctx, `
UPDATE lifetime_stats SET
  total_watch_time_minutes = $3,
  total_messages           = $4,
  tracking_days            = $5,
  longest_streak_days      = $6,
  current_streak_days      = $7,
  last_active_day          = $8,
  updated_at               = $9
WHERE viewer_id = $1 AND channel_id = $2`,
		s.ViewerID, s.ChannelID, s.TotalWatchTimeMinutes, s.TotalMessages,
		s.TrackingDays, s.LongestStreakDays, s.CurrentStreakDays, s.LastActiveDay, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update lifetime: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update lifetime: %d rows affected", tag.RowsAffected())
	}
	return nil
}

func scanLifetime(row pgx.Row) (model.LifetimeStats, error) {
	var st model.LifetimeStats
	err := row.Scan(&st.ViewerID, &st.ChannelID, &st.TotalWatchTimeMinutes, &st.TotalMessages,
		&st.TrackingDays, &st.LongestStreakDays, &st.CurrentStreakDays, &st.LastActiveDay, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	if st.LastActiveDay != nil {
		d := model.Day(*st.LastActiveDay)
		st.LastActiveDay = &d
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

var (
	_ aggregate.Store  = (*Store)(nil)
	_ aggregate.Reader = (*Store)(nil)
)
