package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/model"
)

// Outcome is the admission decision for one heartbeat or notification.
type Outcome int

const (
	Rejected Outcome = iota
	Applied
	DuplicateIgnored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case DuplicateIgnored:
		return "duplicate"
	default:
		return "rejected"
	}
}

const (
	// DefaultMaxHeartbeatSeconds rejects payloads claiming more than this.
	DefaultMaxHeartbeatSeconds = 300
	// DefaultMaxAge rejects heartbeats stamped further in the past.
	DefaultMaxAge = 10 * time.Minute
)

// ErrValidation is shared with the read path through model.
var ErrValidation = model.ErrValidation

// ValidationError lists the offending fields of a rejected heartbeat.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

var ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dedup_ingest_total",
	Help: "Heartbeats and notifications seen by the dedup gate by source and outcome",
}, []string{"source", "outcome"})

// Applier applies a unit at most once per dedup key.
type Applier interface {
	ApplyOnce(ctx context.Context, rec model.DedupRecord, u aggregate.Unit) (aggregate.Result, error)
}

// Config tunes heartbeat admission. A heartbeat is credited at most one
// Bucket of watch time, since one dedup key covers one bucket.
type Config struct {
	Bucket              time.Duration
	MaxHeartbeatSeconds float64
	ClockSkew           time.Duration
	MaxAge              time.Duration
}

// Gate is the sole admission point for extension heartbeats.
type Gate struct {
	applier  Applier
	validate *validator.Validate
	cfg      Config
	log      *zap.Logger

	Now   func() time.Time
	NewID func() uuid.UUID
}

// NewGate builds a gate in front of applier.
func NewGate(applier Applier, cfg Config, log *zap.Logger) *Gate {
	if cfg.Bucket <= 0 {
		cfg.Bucket = DefaultBucket
	}
	if cfg.MaxHeartbeatSeconds <= 0 {
		cfg.MaxHeartbeatSeconds = DefaultMaxHeartbeatSeconds
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		applier:  applier,
		validate: validator.New(),
		cfg:      cfg,
		log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.New,
	}
}

// Ingest validates evt, claims its dedup key and applies it exactly once.
// A duplicate is not an error.
func (g *Gate) Ingest(ctx context.Context, evt model.HeartbeatEvent) (Outcome, aggregate.Result, error) {
	if err := g.check(evt); err != nil {
		g.log.Warn("heartbeat rejected",
			zap.String("viewer_id", evt.ViewerID),
			zap.String("channel_id", evt.ChannelID),
			zap.Error(err))
		ingestTotal.WithLabelValues("heartbeat", Rejected.String()).Inc()
		return Rejected, aggregate.Result{}, err
	}

	ts := evt.Timestamp.UTC()
	secs := min(evt.DurationSeconds, g.cfg.Bucket.Seconds())
	rec := model.DedupRecord{
		ID:              g.NewID(),
		DedupKey:        DeriveKey(evt.ViewerID, evt.ChannelID, ts, g.cfg.Bucket),
		ViewerID:        evt.ViewerID,
		ChannelID:       evt.ChannelID,
		HeartbeatAt:     ts,
		DurationSeconds: secs,
		CreatedAt:       g.Now(),
	}
	unit := aggregate.Unit{
		Kind:         aggregate.KindWatch,
		Source:       "heartbeat",
		ViewerID:     evt.ViewerID,
		ChannelID:    evt.ChannelID,
		Day:          model.Day(ts),
		OccurredAt:   ts,
		WatchSeconds: secs,
	}
	return g.admit(ctx, "heartbeat", rec, unit)
}

// IngestEvent admits a platform notification unit keyed by its message id.
func (g *Gate) IngestEvent(ctx context.Context, messageID string, u aggregate.Unit) (Outcome, aggregate.Result, error) {
	if messageID == "" {
		ingestTotal.WithLabelValues("eventsub", Rejected.String()).Inc()
		return Rejected, aggregate.Result{}, &ValidationError{Fields: map[string]string{"message_id": "required"}}
	}
	rec := model.DedupRecord{
		ID:          g.NewID(),
		DedupKey:    EventKey(messageID),
		ViewerID:    u.ViewerID,
		ChannelID:   u.ChannelID,
		HeartbeatAt: u.OccurredAt.UTC(),
		CreatedAt:   g.Now(),
	}
	return g.admit(ctx, "eventsub", rec, u)
}

func (g *Gate) admit(ctx context.Context, source string, rec model.DedupRecord, u aggregate.Unit) (Outcome, aggregate.Result, error) {
	res, err := g.applier.ApplyOnce(ctx, rec, u)
	if err != nil {
		if errors.Is(err, aggregate.ErrInvalidUnit) {
			ingestTotal.WithLabelValues(source, Rejected.String()).Inc()
			return Rejected, aggregate.Result{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return Rejected, aggregate.Result{}, err
	}
	if !res.Applied {
		g.log.Debug("duplicate ignored", zap.String("source", source), zap.String("dedup_key", rec.DedupKey))
		ingestTotal.WithLabelValues(source, DuplicateIgnored.String()).Inc()
		return DuplicateIgnored, res, nil
	}
	ingestTotal.WithLabelValues(source, Applied.String()).Inc()
	return Applied, res, nil
}

func (g *Gate) check(evt model.HeartbeatEvent) error {
	fields := map[string]string{}
	if err := g.validate.Struct(evt); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		for _, fe := range verrs {
			fields[fieldName(fe.Field())] = describe(fe)
		}
	}
	if _, bad := fields["timestamp"]; !bad && evt.Timestamp.IsZero() {
		fields["timestamp"] = "is required"
	}
	if _, bad := fields["duration_seconds"]; !bad && evt.DurationSeconds > g.cfg.MaxHeartbeatSeconds {
		fields["duration_seconds"] = fmt.Sprintf("must not exceed %g", g.cfg.MaxHeartbeatSeconds)
	}
	if _, bad := fields["timestamp"]; !bad {
		switch now := g.Now(); {
		case evt.Timestamp.After(now.Add(g.cfg.ClockSkew)):
			fields["timestamp"] = "must not be in the future"
		case evt.Timestamp.Before(now.Add(-g.cfg.MaxAge)):
			fields["timestamp"] = "is too old"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func fieldName(f string) string {
	switch f {
	case "ViewerID":
		return "viewer_id"
	case "ChannelID":
		return "channel"
	case "Timestamp":
		return "timestamp"
	case "DurationSeconds":
		return "duration_seconds"
	default:
		return strings.ToLower(f)
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gt":
		return "must be positive"
	default:
		return "is invalid"
	}
}
