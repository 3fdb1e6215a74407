package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"viewer-stats/internal/model"
)

// Kind identifies what a unit of work increments.
type Kind string

const (
	KindWatch    Kind = "watch"
	KindMessage  Kind = "message"
	KindActivity Kind = "activity"
)

var (
	ErrInvalidUnit = errors.New("invalid unit")
	ErrInvariant   = errors.New("stats invariant violated")
	ErrStorage     = errors.New("storage unavailable")
)

// Unit is a validated, deduplicated increment for one (viewer, channel) pair.
type Unit struct {
	Kind         Kind
	Source       string
	ViewerID     string
	ChannelID    string
	Day          time.Time
	OccurredAt   time.Time
	WatchSeconds float64
	Messages     int64
}

// Result is the post-commit state of the pair touched by a unit.
type Result struct {
	Applied  bool
	Lifetime model.LifetimeStats
	Daily    model.DailyStats
}

// Engine is the only writer of DailyStats and LifetimeStats.
type Engine struct {
	store   Store
	sink    ActivitySink
	log     *zap.Logger
	timeout time.Duration

	Now func() time.Time
}

// NewEngine wires the engine to its store. timeout bounds each transaction;
// zero disables the bound.
func NewEngine(store Store, sink ActivitySink, log *zap.Logger, timeout time.Duration) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:   store,
		sink:    sink,
		log:     log,
		timeout: timeout,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply folds u into the pair's counters in one transaction.
func (e *Engine) Apply(ctx context.Context, u Unit) (Result, error) {
	return e.run(ctx, nil, u)
}

// ApplyOnce inserts rec and applies u in the same transaction. If rec's
// dedup key already exists nothing is written and Result.Applied is false.
func (e *Engine) ApplyOnce(ctx context.Context, rec model.DedupRecord, u Unit) (Result, error) {
	if rec.DedupKey == "" {
		return Result{}, fmt.Errorf("%w: empty dedup key", ErrInvalidUnit)
	}
	return e.run(ctx, &rec, u)
}

func (e *Engine) run(ctx context.Context, rec *model.DedupRecord, u Unit) (Result, error) {
	u, err := normalize(u)
	if err != nil {
		return Result{}, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var res Result
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if rec != nil {
			inserted, err := tx.InsertDedup(ctx, *rec)
			if err != nil {
				return err
			}
			if !inserted {
				return nil
			}
		}
		var err error
		res, err = e.apply(ctx, tx, u)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvariant) {
			e.log.Error("aggregation invariant violated",
				zap.String("viewer_id", u.ViewerID),
				zap.String("channel_id", u.ChannelID),
				zap.Error(err))
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !res.Applied {
		return res, nil
	}

	e.publish(ctx, rec, u)
	return res, nil
}

func (e *Engine) apply(ctx context.Context, tx Tx, u Unit) (Result, error) {
	before, err := tx.LockLifetime(ctx, u.ViewerID, u.ChannelID)
	if err != nil {
		return Result{}, err
	}

	delta := DailyDelta{
		ViewerID:  u.ViewerID,
		ChannelID: u.ChannelID,
		Day:       u.Day,
	}
	switch u.Kind {
	case KindWatch:
		delta.WatchMinutes = u.WatchSeconds / 60
		at := u.OccurredAt
		delta.HeartbeatAt = &at
	case KindMessage:
		delta.Messages = u.Messages
	case KindActivity:
	}

	daily, created, err := tx.AddDaily(ctx, delta)
	if err != nil {
		return Result{}, err
	}

	after := before
	after.TotalWatchTimeMinutes += delta.WatchMinutes
	after.TotalMessages += delta.Messages
	after = advanceDay(after, u.Day, created)
	after.UpdatedAt = e.Now()
	if err := checkInvariants(before, after); err != nil {
		return Result{}, err
	}
	if err := tx.SaveLifetime(ctx, after); err != nil {
		return Result{}, err
	}
	return Result{Applied: true, Lifetime: after, Daily: daily}, nil
}

func (e *Engine) publish(ctx context.Context, rec *model.DedupRecord, u Unit) {
	record := model.ActivityRecord{
		EventTime:    u.OccurredAt,
		EventDate:    u.Day,
		Kind:         string(u.Kind),
		Source:       u.Source,
		ViewerID:     u.ViewerID,
		ChannelID:    u.ChannelID,
		WatchMinutes: u.WatchSeconds / 60,
		Messages:     u.Messages,
		IngestedAt:   e.Now(),
	}
	if rec != nil {
		record.DedupKey = rec.DedupKey
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.sink.Publish(pubCtx, []model.ActivityRecord{record}); err != nil {
		e.log.Warn("publish activity failed",
			zap.String("viewer_id", u.ViewerID),
			zap.String("channel_id", u.ChannelID),
			zap.Error(err))
	}
}

func normalize(u Unit) (Unit, error) {
	switch {
	case u.ViewerID == "" || u.ChannelID == "":
		return u, fmt.Errorf("%w: viewer and channel are required", ErrInvalidUnit)
	case u.Kind != KindWatch && u.Kind != KindMessage && u.Kind != KindActivity:
		return u, fmt.Errorf("%w: unknown kind %q", ErrInvalidUnit, u.Kind)
	case u.WatchSeconds < 0 || math.IsNaN(u.WatchSeconds) || math.IsInf(u.WatchSeconds, 0):
		return u, fmt.Errorf("%w: watch seconds must be a non-negative number", ErrInvalidUnit)
	case u.Messages < 0:
		return u, fmt.Errorf("%w: messages must be non-negative", ErrInvalidUnit)
	}
	if u.OccurredAt.IsZero() && u.Day.IsZero() {
		return u, fmt.Errorf("%w: unit has no time", ErrInvalidUnit)
	}
	if u.Day.IsZero() {
		u.Day = u.OccurredAt
	}
	if u.OccurredAt.IsZero() {
		u.OccurredAt = u.Day
	}
	u.Day = model.Day(u.Day)
	u.OccurredAt = u.OccurredAt.UTC()
	return u, nil
}
