package badge

import (
	"math"

	"viewer-stats/internal/model"
)

const (
	CategoryWatchTime   = "watch-time"
	CategoryInteraction = "interaction"
	CategoryLoyalty     = "loyalty"
	CategoryStreak      = "streak"
)

// Metric names the LifetimeStats field a badge is keyed to.
type Metric string

const (
	MetricWatchMinutes  Metric = "watch_minutes"
	MetricMessages      Metric = "messages"
	MetricTrackingDays  Metric = "tracking_days"
	MetricLongestStreak Metric = "longest_streak"
)

// Definition is one entry of the badge catalogue.
type Definition struct {
	ID       string  `yaml:"id"`
	Category string  `yaml:"category"`
	Metric   Metric  `yaml:"metric"`
	Target   float64 `yaml:"target"`
}

// DefaultCatalogue is evaluated in order when no catalogue file is configured.
var DefaultCatalogue = []Definition{
	{ID: "first-watch", Category: CategoryWatchTime, Metric: MetricWatchMinutes, Target: 0},
	{ID: "watch-10h", Category: CategoryWatchTime, Metric: MetricWatchMinutes, Target: 10 * 60},
	{ID: "watch-100h", Category: CategoryWatchTime, Metric: MetricWatchMinutes, Target: 100 * 60},
	{ID: "watch-500h", Category: CategoryWatchTime, Metric: MetricWatchMinutes, Target: 500 * 60},
	{ID: "first-message", Category: CategoryInteraction, Metric: MetricMessages, Target: 1},
	{ID: "chatter-100", Category: CategoryInteraction, Metric: MetricMessages, Target: 100},
	{ID: "chatter-1000", Category: CategoryInteraction, Metric: MetricMessages, Target: 1000},
	{ID: "regular-7", Category: CategoryLoyalty, Metric: MetricTrackingDays, Target: 7},
	{ID: "regular-30", Category: CategoryLoyalty, Metric: MetricTrackingDays, Target: 30},
	{ID: "regular-365", Category: CategoryLoyalty, Metric: MetricTrackingDays, Target: 365},
	{ID: "streak-3", Category: CategoryStreak, Metric: MetricLongestStreak, Target: 3},
	{ID: "streak-7", Category: CategoryStreak, Metric: MetricLongestStreak, Target: 7},
	{ID: "streak-30", Category: CategoryStreak, Metric: MetricLongestStreak, Target: 30},
}

// Evaluator maps lifetime counters to badge state. It holds no mutable state.
type Evaluator struct {
	defs []Definition
}

// NewEvaluator uses defs in the given order, or DefaultCatalogue when empty.
func NewEvaluator(defs []Definition) *Evaluator {
	if len(defs) == 0 {
		defs = DefaultCatalogue
	}
	cp := make([]Definition, len(defs))
	copy(cp, defs)
	return &Evaluator{defs: cp}
}

// Catalogue returns a copy of the definitions.
func (e *Evaluator) Catalogue() []Definition {
	cp := make([]Definition, len(e.defs))
	copy(cp, e.defs)
	return cp
}

// Evaluate returns one badge per definition. UnlockedAt is set whenever the
// metric has reached the target and is the stats' UpdatedAt, not the moment
// the target was crossed. A target of 0 is therefore unlocked from the start
// while its progress stays 0 until the metric is positive.
func (e *Evaluator) Evaluate(st model.LifetimeStats) []model.Badge {
	out := make([]model.Badge, 0, len(e.defs))
	for _, d := range e.defs {
		cur := current(st, d.Metric)
		b := model.Badge{
			ID:       d.ID,
			Category: d.Category,
			Progress: progress(cur, d.Target),
		}
		if cur >= d.Target {
			at := st.UpdatedAt
			b.UnlockedAt = &at
		}
		out = append(out, b)
	}
	return out
}

// Evaluate runs the default catalogue.
func Evaluate(st model.LifetimeStats) []model.Badge {
	return NewEvaluator(nil).Evaluate(st)
}

func current(st model.LifetimeStats, m Metric) float64 {
	switch m {
	case MetricWatchMinutes:
		return st.TotalWatchTimeMinutes
	case MetricMessages:
		return float64(st.TotalMessages)
	case MetricTrackingDays:
		return float64(st.TrackingDays)
	case MetricLongestStreak:
		return float64(st.LongestStreakDays)
	default:
		return 0
	}
}

func progress(cur, target float64) int {
	if target <= 0 {
		if cur > 0 {
			return 100
		}
		return 0
	}
	p := math.Floor(cur / target * 100)
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return int(p)
}
