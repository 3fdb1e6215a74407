package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"viewer-stats/internal/latency"
)

var queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "db_query_duration_seconds",
	Help:    "Postgres statement latency by operation",
	Buckets: prometheus.DefBuckets,
}, []string{"op"})

// Querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Timed records every statement issued through it. QueryRow is timed until
// Scan returns, since that is when pgx reads the result.
type Timed struct {
	next    Querier
	sampler *latency.Sampler
	now     func() time.Time
}

// WithTiming wraps q. A nil sampler still feeds the histogram.
func WithTiming(q Querier, s *latency.Sampler) *Timed {
	return &Timed{next: q, sampler: s, now: time.Now}
}

func (t *Timed) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := t.now()
	tag, err := t.next.Exec(ctx, sql, args...)
	t.observe("exec", start)
	return tag, err
}

func (t *Timed) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := t.now()
	rows, err := t.next.Query(ctx, sql, args...)
	t.observe("query", start)
	return rows, err
}

func (t *Timed) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := t.now()
	return &timedRow{row: t.next.QueryRow(ctx, sql, args...), t: t, start: start}
}

func (t *Timed) observe(op string, start time.Time) {
	d := t.now().Sub(start)
	queryDuration.WithLabelValues(op).Observe(d.Seconds())
	if t.sampler != nil {
		t.sampler.Record(d)
	}
}

type timedRow struct {
	row   pgx.Row
	t     *Timed
	start time.Time
}

func (r *timedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.t.observe("query_row", r.start)
	return err
}
