package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "eventsub:msg:"

// replayStore is the subset of the redis client used by ReplayGuard.
type replayStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ReplayGuard sheds webhook deliveries whose message id was already accepted
// within the freshness window. It is an edge filter only; exactly-once
// accounting is enforced by the dedup store.
type ReplayGuard struct {
	store replayStore
	ttl   time.Duration
}

// Connect builds a redis client from an address or redis:// URL.
func Connect(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// NewReplayGuard keeps message ids for twice the webhook tolerance, so any
// delivery still inside the window is recognised.
func NewReplayGuard(store replayStore, tolerance time.Duration) *ReplayGuard {
	return &ReplayGuard{store: store, ttl: 2 * tolerance}
}

// Claim records messageID and reports whether this is its first delivery.
func (g *ReplayGuard) Claim(ctx context.Context, messageID string) (bool, error) {
	if g == nil {
		return true, nil
	}
	ok, err := g.store.SetNX(ctx, replayKeyPrefix+messageID, time.Now().UTC().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim message id: %w", err)
	}
	return ok, nil
}

// Release forgets messageID so a platform retry is accepted again.
func (g *ReplayGuard) Release(ctx context.Context, messageID string) error {
	if g == nil {
		return nil
	}
	if err := g.store.Del(ctx, replayKeyPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("release message id: %w", err)
	}
	return nil
}
