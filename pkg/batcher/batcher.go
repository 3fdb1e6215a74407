package batcher

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batcher: closed")

// FlushFunc writes one batch. The slice is owned by the callee.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Options configure a Batcher.
type Options[T any] struct {
	MaxSize  int
	Interval time.Duration
	Flush    FlushFunc[T]
	// OnError receives failed background flushes together with their batch.
	OnError func(err error, batch []T)
}

// Batcher collects items and flushes them when MaxSize items are queued or
// Interval elapses, whichever comes first. Flushes never overlap.
type Batcher[T any] struct {
	opts Options[T]

	mu     sync.Mutex
	buffer []T
	closed bool

	flushMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New starts the interval loop. ctx bounds background flushes.
func New[T any](ctx context.Context, opts Options[T]) *Batcher[T] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	bctx, cancel := context.WithCancel(ctx)
	b := &Batcher[T]{
		opts:   opts,
		buffer: make([]T, 0, opts.MaxSize),
		ctx:    bctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add queues item and flushes synchronously when the batch is full.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.buffer = append(b.buffer, item)
	full := len(b.buffer) >= b.opts.MaxSize
	b.mu.Unlock()
	if !full {
		return nil
	}
	return b.Flush(ctx)
}

// Flush writes whatever is queued.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	_, err := b.flush(ctx)
	return err
}

// Len is the number of queued items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Close stops the loop and flushes the remainder with ctx.
func (b *Batcher[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.done
	return b.Flush(ctx)
}

func (b *Batcher[T]) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if batch, err := b.flush(b.ctx); err != nil && b.opts.OnError != nil {
				b.opts.OnError(err, batch)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Batcher[T]) detach() []T {
	if len(b.buffer) == 0 {
		return nil
	}
	batch := b.buffer
	b.buffer = make([]T, 0, b.opts.MaxSize)
	return batch
}

// flush detaches and writes under flushMu so batches are written in the
// order they were filled.
func (b *Batcher[T]) flush(ctx context.Context) ([]T, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.detach()
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil, nil
	}
	if b.opts.Flush == nil {
		return batch, errors.New("batcher: no flush function configured")
	}
	return batch, b.opts.Flush(ctx, batch)
}
