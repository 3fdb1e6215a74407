package aggregate

import (
	"context"
	"sort"
	"sync"
	"time"

	"viewer-stats/internal/model"
)

type pairKey struct{ viewer, channel string }

type dayKey struct {
	pair pairKey
	day  time.Time
}

// MemoryStore is an in-process Store and Reader. Pair rows are serialized
// with one mutex per pair.
//
// Unlike Postgres ON CONFLICT, which blocks a second insert until the first
// transaction ends, InsertDedup reports a key claimed by an uncommitted
// transaction as a duplicate straight away. If that transaction then rolls
// back, the concurrent delivery has already been dropped; only a later retry
// is applied. The store can undercount under that race, never double count.
type MemoryStore struct {
	mu       sync.Mutex
	locks    map[pairKey]*sync.Mutex
	dedup    map[string]model.DedupRecord
	pending  map[string]struct{}
	lifetime map[pairKey]model.LifetimeStats
	daily    map[dayKey]model.DailyStats
	fault    error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[pairKey]*sync.Mutex),
		dedup:    make(map[string]model.DedupRecord),
		pending:  make(map[string]struct{}),
		lifetime: make(map[pairKey]model.LifetimeStats),
		daily:    make(map[dayKey]model.DailyStats),
	}
}

// FailNextSave makes the next SaveLifetime call return err.
func (s *MemoryStore) FailNextSave(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

// InTx implements Store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		store:    s,
		lifetime: make(map[pairKey]model.LifetimeStats),
		daily:    make(map[dayKey]model.DailyStats),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Lifetime implements Reader.
func (s *MemoryStore) Lifetime(_ context.Context, viewerID, channelID string) (model.LifetimeStats, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lifetime[pairKey{viewerID, channelID}]
	return st, ok, nil
}

// DailyRange implements Reader.
func (s *MemoryStore) DailyRange(_ context.Context, viewerID, channelID string, from, to time.Time) ([]model.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, to = model.Day(from), model.Day(to)
	pair := pairKey{viewerID, channelID}
	var out []model.DailyStats
	for k, v := range s.daily {
		if k.pair != pair || k.day.Before(from) || k.day.After(to) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// DedupCount returns the number of committed dedup records.
func (s *MemoryStore) DedupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dedup)
}

func (s *MemoryStore) pairLock(p pairKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[p]
	if !ok {
		l = &sync.Mutex{}
		s.locks[p] = l
	}
	return l
}

type memTx struct {
	store    *MemoryStore
	held     []*sync.Mutex
	claimed  []model.DedupRecord
	lifetime map[pairKey]model.LifetimeStats
	daily    map[dayKey]model.DailyStats
}

func (t *memTx) InsertDedup(_ context.Context, rec model.DedupRecord) (bool, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[rec.DedupKey]; ok {
		return false, nil
	}
	if _, ok := s.pending[rec.DedupKey]; ok {
		return false, nil
	}
	s.pending[rec.DedupKey] = struct{}{}
	t.claimed = append(t.claimed, rec)
	return true, nil
}

func (t *memTx) LockLifetime(ctx context.Context, viewerID, channelID string) (model.LifetimeStats, error) {
	p := pairKey{viewerID, channelID}
	if st, ok := t.lifetime[p]; ok {
		return st, nil
	}
	l := t.store.pairLock(p)
	l.Lock()
	t.held = append(t.held, l)
	if err := ctx.Err(); err != nil {
		return model.LifetimeStats{}, err
	}

	t.store.mu.Lock()
	st, ok := t.store.lifetime[p]
	t.store.mu.Unlock()
	if !ok {
		st = model.LifetimeStats{ViewerID: viewerID, ChannelID: channelID}
	}
	t.lifetime[p] = st
	return st, nil
}

func (t *memTx) AddDaily(_ context.Context, d DailyDelta) (model.DailyStats, bool, error) {
	k := dayKey{pair: pairKey{d.ViewerID, d.ChannelID}, day: model.Day(d.Day)}
	row, ok := t.daily[k]
	created := false
	if !ok {
		t.store.mu.Lock()
		row, ok = t.store.daily[k]
		t.store.mu.Unlock()
		if !ok {
			row = model.DailyStats{ViewerID: d.ViewerID, ChannelID: d.ChannelID, Day: k.day}
			created = true
		}
	}
	row.WatchMinutes += d.WatchMinutes
	row.MessageCount += d.Messages
	if d.HeartbeatAt != nil && (row.LastHeartbeatAt == nil || d.HeartbeatAt.After(*row.LastHeartbeatAt)) {
		at := *d.HeartbeatAt
		row.LastHeartbeatAt = &at
	}
	t.daily[k] = row
	return row, created, nil
}

func (t *memTx) SaveLifetime(_ context.Context, st model.LifetimeStats) error {
	t.store.mu.Lock()
	fault := t.store.fault
	t.store.fault = nil
	t.store.mu.Unlock()
	if fault != nil {
		return fault
	}
	t.lifetime[pairKey{st.ViewerID, st.ChannelID}] = st
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range t.claimed {
		s.dedup[rec.DedupKey] = rec
	}
	for k, v := range t.lifetime {
		s.lifetime[k] = v
	}
	for k, v := range t.daily {
		s.daily[k] = v
	}
}

func (t *memTx) release() {
	s := t.store
	s.mu.Lock()
	for _, rec := range t.claimed {
		delete(s.pending, rec.DedupKey)
	}
	s.mu.Unlock()
	for _, l := range t.held {
		l.Unlock()
	}
}
