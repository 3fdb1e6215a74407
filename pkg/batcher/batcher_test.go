package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (r *recorder) flush(_ context.Context, items []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
	return r.err
}

func (r *recorder) count() (batches, items int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		items += len(b)
	}
	return len(r.batches), items
}

func TestFlushBySize(t *testing.T) {
	rec := &recorder{}
	ctx := context.Background()
	b := New[int](ctx, Options[int]{MaxSize: 3, Interval: time.Hour, Flush: rec.flush})
	defer b.Close(ctx)

	require.NoError(t, b.Add(ctx, 1))
	require.NoError(t, b.Add(ctx, 2))
	n, _ := rec.count()
	require.Zero(t, n)

	require.NoError(t, b.Add(ctx, 3))
	n, items := rec.count()
	require.Equal(t, 1, n)
	require.Equal(t, 3, items)
	require.Zero(t, b.Len())
}

func TestFlushByInterval(t *testing.T) {
	rec := &recorder{}
	ctx := context.Background()
	b := New[int](ctx, Options[int]{MaxSize: 10, Interval: 20 * time.Millisecond, Flush: rec.flush})
	defer b.Close(ctx)

	require.NoError(t, b.Add(ctx, 42))
	require.Eventually(t, func() bool {
		_, items := rec.count()
		return items == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAddReturnsFlushError(t *testing.T) {
	rec := &recorder{err: errors.New("insert failed")}
	ctx := context.Background()
	b := New[int](ctx, Options[int]{MaxSize: 1, Interval: time.Hour, Flush: rec.flush})
	defer b.Close(ctx)

	require.Error(t, b.Add(ctx, 1))
}

func TestBackgroundErrorsReachOnError(t *testing.T) {
	rec := &recorder{err: errors.New("insert failed")}
	ctx := context.Background()
	failed := make(chan []int, 1)
	b := New[int](ctx, Options[int]{
		MaxSize:  10,
		Interval: 10 * time.Millisecond,
		Flush:    rec.flush,
		OnError:  func(_ error, batch []int) { failed <- batch },
	})
	defer b.Close(ctx)

	require.NoError(t, b.Add(ctx, 7))
	select {
	case batch := <-failed:
		require.Equal(t, []int{7}, batch)
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	rec := &recorder{}
	ctx := context.Background()
	b := New[int](ctx, Options[int]{MaxSize: 10, Interval: time.Hour, Flush: rec.flush})

	require.NoError(t, b.Add(ctx, 1))
	require.NoError(t, b.Add(ctx, 2))
	require.NoError(t, b.Close(ctx))

	_, items := rec.count()
	require.Equal(t, 2, items)
	require.ErrorIs(t, b.Add(ctx, 3), ErrClosed)
	require.NoError(t, b.Close(ctx))
}
