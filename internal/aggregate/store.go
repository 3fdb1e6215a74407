package aggregate

import (
	"context"
	"time"

	"viewer-stats/internal/model"
)

// DailyDelta is the increment applied to one DailyStats row.
type DailyDelta struct {
	ViewerID     string
	ChannelID    string
	Day          time.Time
	WatchMinutes float64
	Messages     int64
	HeartbeatAt  *time.Time
}

// Tx is the unit-of-work view of the statistics store. All calls made
// through one Tx commit or roll back together.
type Tx interface {
	// InsertDedup inserts rec unless its dedup key exists; it reports
	// whether the row was inserted. Uniqueness must be enforced by storage.
	InsertDedup(ctx context.Context, rec model.DedupRecord) (bool, error)
	// LockLifetime returns the pair's lifetime row, creating it if absent,
	// and holds a lock on it until the transaction ends.
	LockLifetime(ctx context.Context, viewerID, channelID string) (model.LifetimeStats, error)
	// AddDaily increments the day's row and reports whether it was created.
	AddDaily(ctx context.Context, d DailyDelta) (model.DailyStats, bool, error)
	SaveLifetime(ctx context.Context, s model.LifetimeStats) error
}

// Store runs fn inside a single transaction.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader serves the dashboard and API read paths.
type Reader interface {
	Lifetime(ctx context.Context, viewerID, channelID string) (model.LifetimeStats, bool, error)
	DailyRange(ctx context.Context, viewerID, channelID string, from, to time.Time) ([]model.DailyStats, error)
}

// ActivitySink receives applied units after commit.
type ActivitySink interface {
	Publish(ctx context.Context, records []model.ActivityRecord) error
}

// NopSink drops activity records.
type NopSink struct{}

func (NopSink) Publish(context.Context, []model.ActivityRecord) error { return nil }
