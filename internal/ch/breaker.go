package ch

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"viewer-stats/internal/model"
)

// BatchInserter writes activity records.
type BatchInserter interface {
	InsertBatch(ctx context.Context, records []model.ActivityRecord) error
}

// BreakerConfig tunes the insert circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig opens after five consecutive failures and probes again after 15s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: 15 * time.Second, FailureThreshold: 5}
}

// GuardedInserter stops calling ClickHouse while it keeps failing, so the
// loader backs off instead of piling up timed-out inserts.
type GuardedInserter struct {
	next BatchInserter
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewGuardedInserter(next BatchInserter, cfg BreakerConfig, log *zap.Logger) *GuardedInserter {
	return &GuardedInserter{
		next: next,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "clickhouse-insert",
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// InsertBatch returns gobreaker.ErrOpenState without calling ClickHouse while open.
func (g *GuardedInserter) InsertBatch(ctx context.Context, records []model.ActivityRecord) error {
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.next.InsertBatch(ctx, records)
	})
	return err
}

// State reports the breaker state.
func (g *GuardedInserter) State() gobreaker.State {
	return g.cb.State()
}
