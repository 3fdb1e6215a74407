package ch

import (
	"context"
	"errors"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"viewer-stats/internal/model"
)

type flakyInserter struct {
	calls int
	err   error
}

func (f *flakyInserter) InsertBatch(context.Context, []model.ActivityRecord) error {
	f.calls++
	return f.err
}

func TestGuardedInserterOpensAfterFailures(t *testing.T) {
	next := &flakyInserter{err: errors.New("connection refused")}
	g := NewGuardedInserter(next, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour, FailureThreshold: 3}, zap.NewNop())
	recs := []model.ActivityRecord{{ViewerID: "v"}}

	for i := 0; i < 3; i++ {
		require.Error(t, g.InsertBatch(context.Background(), recs))
	}
	require.Equal(t, gobreaker.StateOpen, g.State())

	err := g.InsertBatch(context.Background(), recs)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, 3, next.calls)
}

func TestGuardedInserterPassesThrough(t *testing.T) {
	next := &flakyInserter{}
	g := NewGuardedInserter(next, DefaultBreakerConfig(), zap.NewNop())

	require.NoError(t, g.InsertBatch(context.Background(), []model.ActivityRecord{{ViewerID: "v"}}))
	require.Equal(t, gobreaker.StateClosed, g.State())
	require.Equal(t, 1, next.calls)
}
