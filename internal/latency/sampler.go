package latency

import (
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of most recent samples kept.
const DefaultCapacity = 200

// Snapshot summarises the samples currently held.
type Snapshot struct {
	Count     int     `json:"count"`
	AverageMs float64 `json:"averageMs"`
	P95Ms     float64 `json:"p95Ms"`
	MaxMs     float64 `json:"maxMs"`
}

// Sampler is a fixed-capacity ring of durations. Record never blocks and may
// be called from many goroutines; Snapshot is eventually consistent with
// concurrent writers.
type Sampler struct {
	slots  []atomic.Int64 // nanoseconds + 1, zero means empty
	cursor atomic.Uint64
}

// New returns a sampler holding up to capacity samples.
func New(capacity int) *Sampler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sampler{slots: make([]atomic.Int64, capacity)}
}

// Record stores d, overwriting the oldest sample once full.
func (s *Sampler) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	i := s.cursor.Add(1) - 1
	s.slots[i%uint64(len(s.slots))].Store(int64(d) + 1)
}

// Len is the number of samples held.
func (s *Sampler) Len() int {
	n := s.cursor.Load()
	if n > uint64(len(s.slots)) {
		return len(s.slots)
	}
	return int(n)
}

// Snapshot returns false when nothing has been recorded.
func (s *Sampler) Snapshot() (Snapshot, bool) {
	vals := make([]int64, 0, len(s.slots))
	for i := range s.slots {
		if v := s.slots[i].Load(); v > 0 {
			vals = append(vals, v-1)
		}
	}
	if len(vals) == 0 {
		return Snapshot{}, false
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })

	var sum int64
	for _, v := range vals {
		sum += v
	}
	n := len(vals)
	idx := int(math.Ceil(float64(n)*0.95)) - 1
	if idx < 0 {
		idx = 0
	}
	return Snapshot{
		Count:     n,
		AverageMs: ms(float64(sum) / float64(n)),
		P95Ms:     ms(float64(vals[idx])),
		MaxMs:     ms(float64(vals[n-1])),
	}, true
}

func ms(ns float64) float64 {
	return math.Round(ns/float64(time.Millisecond)*1000) / 1000
}
