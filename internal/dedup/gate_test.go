package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/model"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T) (*Gate, *aggregate.MemoryStore, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	store := aggregate.NewMemoryStore()
	engine := aggregate.NewEngine(store, nil, zap.NewNop(), time.Second)
	g := NewGate(engine, Config{}, zap.New(core))
	g.Now = func() time.Time { return now }
	return g, store, logs
}

func heartbeat(at time.Time) model.HeartbeatEvent {
	return model.HeartbeatEvent{ViewerID: "v1", ChannelID: "c1", Timestamp: at, DurationSeconds: 30}
}

func TestIngestAppliesOnce(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	out, res, err := g.Ingest(ctx, heartbeat(now.Add(-time.Minute)))
	require.NoError(t, err)
	require.Equal(t, Applied, out)
	require.InDelta(t, 0.5, res.Lifetime.TotalWatchTimeMinutes, 1e-9)

	// retry lands in the same 30s bucket
	out, _, err = g.Ingest(ctx, heartbeat(now.Add(-time.Minute+5*time.Second)))
	require.NoError(t, err)
	require.Equal(t, DuplicateIgnored, out)

	st, ok, err := store.Lifetime(ctx, "v1", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.5, st.TotalWatchTimeMinutes, 1e-9)
	require.Equal(t, 1, store.DedupCount())
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	g, store, _ := newTestGate(t)
	evt := heartbeat(now.Add(-time.Minute))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _, err := g.Ingest(context.Background(), evt)
			assert.NoError(t, err)
			if out == Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	require.Equal(t, 1, store.DedupCount())
}

func TestIngestRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*model.HeartbeatEvent)
		field string
	}{
		{"missing viewer", func(e *model.HeartbeatEvent) { e.ViewerID = "" }, "viewer_id"},
		{"missing channel", func(e *model.HeartbeatEvent) { e.ChannelID = "" }, "channel"},
		{"long channel", func(e *model.HeartbeatEvent) { e.ChannelID = strings.Repeat("x", 129) }, "channel"},
		{"zero timestamp", func(e *model.HeartbeatEvent) { e.Timestamp = time.Time{} }, "timestamp"},
		{"future timestamp", func(e *model.HeartbeatEvent) { e.Timestamp = now.Add(10 * time.Minute) }, "timestamp"},
		{"stale timestamp", func(e *model.HeartbeatEvent) { e.Timestamp = now.Add(-DefaultMaxAge - time.Second) }, "timestamp"},
		{"negative duration", func(e *model.HeartbeatEvent) { e.DurationSeconds = -1 }, "duration_seconds"},
		{"over ceiling", func(e *model.HeartbeatEvent) { e.DurationSeconds = 301 }, "duration_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, store, logs := newTestGate(t)
			evt := heartbeat(now.Add(-time.Minute))
			tc.mut(&evt)

			out, _, err := g.Ingest(context.Background(), evt)
			require.Equal(t, Rejected, out)
			require.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Contains(t, verr.Fields, tc.field)
			require.Equal(t, 0, store.DedupCount())
			require.Equal(t, 1, logs.FilterMessage("heartbeat rejected").Len())
		})
	}
}

func TestIngestCreditsAtMostOneBucket(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	for i := 4; i >= 1; i-- {
		evt := heartbeat(now.Add(-time.Duration(i) * DefaultBucket))
		evt.DurationSeconds = DefaultMaxHeartbeatSeconds
		out, _, err := g.Ingest(ctx, evt)
		require.NoError(t, err)
		require.Equal(t, Applied, out)
	}

	st, _, err := store.Lifetime(ctx, "v1", "c1")
	require.NoError(t, err)
	require.InDelta(t, 2.0, st.TotalWatchTimeMinutes, 1e-9)
}

func TestIngestRejectsBackdatedHistory(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	for d := 30; d >= 1; d-- {
		out, _, err := g.Ingest(ctx, heartbeat(now.AddDate(0, 0, -d)))
		require.Equal(t, Rejected, out)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		require.Equal(t, "is too old", verr.Fields["timestamp"])
	}

	_, ok, err := store.Lifetime(ctx, "v1", "c1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIngestMaxAgeIsConfigurable(t *testing.T) {
	store := aggregate.NewMemoryStore()
	engine := aggregate.NewEngine(store, nil, zap.NewNop(), time.Second)
	g := NewGate(engine, Config{MaxAge: time.Hour}, zap.NewNop())
	g.Now = func() time.Time { return now }

	out, _, err := g.Ingest(context.Background(), heartbeat(now.Add(-30*time.Minute)))
	require.NoError(t, err)
	require.Equal(t, Applied, out)
}

func TestIngestSurfacesStorageErrors(t *testing.T) {
	g, store, _ := newTestGate(t)
	store.FailNextSave(errors.New("connection reset"))

	out, _, err := g.Ingest(context.Background(), heartbeat(now.Add(-time.Minute)))
	require.Equal(t, Rejected, out)
	require.ErrorIs(t, err, aggregate.ErrStorage)

	// the claim rolled back, so a retry is applied
	out, _, err = g.Ingest(context.Background(), heartbeat(now.Add(-time.Minute)))
	require.NoError(t, err)
	require.Equal(t, Applied, out)
}

func TestIngestEventKeyedByMessageID(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()
	u := aggregate.Unit{Kind: aggregate.KindMessage, Source: "eventsub", ViewerID: "v1", ChannelID: "c1", OccurredAt: now, Messages: 1}

	out, res, err := g.IngestEvent(ctx, "msg-123", u)
	require.NoError(t, err)
	require.Equal(t, Applied, out)
	require.EqualValues(t, 1, res.Lifetime.TotalMessages)

	out, _, err = g.IngestEvent(ctx, "msg-123", u)
	require.NoError(t, err)
	require.Equal(t, DuplicateIgnored, out)

	out, _, err = g.IngestEvent(ctx, "", u)
	require.Equal(t, Rejected, out)
	require.ErrorIs(t, err, ErrValidation)
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "applied", Applied.String())
	require.Equal(t, "duplicate", DuplicateIgnored.String())
	require.Equal(t, "rejected", Rejected.String())
}
