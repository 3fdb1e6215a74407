package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/badge"
	"viewer-stats/internal/ch"
	"viewer-stats/internal/httpx"
	"viewer-stats/internal/model"
)

const (
	dateLayout     = "2006-01-02"
	defaultWindow  = 30
	maxWindowDays  = 366
	defaultTimeout = 3 * time.Second
)

// SeriesReader serves channel-level time series from the activity archive.
type SeriesReader interface {
	WatchMinutes(ctx context.Context, channelID string, from, to time.Time) ([]ch.MetricPoint, error)
	ActiveViewers(ctx context.Context, channelID string, from, to time.Time) ([]ch.MetricPoint, error)
}

// QueryHandler serves the read side.
type QueryHandler struct {
	stats   aggregate.Reader
	badges  *badge.Evaluator
	series  SeriesReader
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewQueryHandler builds the read handlers. series may be nil, in which case
// the channel endpoints answer 503.
func NewQueryHandler(stats aggregate.Reader, badges *badge.Evaluator, series SeriesReader, log *zap.Logger, timeout time.Duration) *QueryHandler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if badges == nil {
		badges = badge.NewEvaluator(nil)
	}
	return &QueryHandler{
		stats:   stats,
		badges:  badges,
		series:  series,
		log:     log,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type lifetimeView struct {
	ViewerID              string     `json:"viewerId"`
	ChannelID             string     `json:"channelId"`
	TotalWatchTimeMinutes float64    `json:"totalWatchTimeMinutes"`
	TotalMessages         int64      `json:"totalMessages"`
	TrackingDays          int        `json:"trackingDays"`
	LongestStreakDays     int        `json:"longestStreakDays"`
	CurrentStreakDays     int        `json:"currentStreakDays"`
	LastActiveDay         string     `json:"lastActiveDay,omitempty"`
	UpdatedAt             *time.Time `json:"updatedAt,omitempty"`
}

type dailyView struct {
	Day             string     `json:"day"`
	WatchMinutes    float64    `json:"watchMinutes"`
	MessageCount    int64      `json:"messageCount"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
}

func toLifetimeView(st model.LifetimeStats) lifetimeView {
	v := lifetimeView{
		ViewerID:              st.ViewerID,
		ChannelID:             st.ChannelID,
		TotalWatchTimeMinutes: model.RoundMinutes(st.TotalWatchTimeMinutes),
		TotalMessages:         st.TotalMessages,
		TrackingDays:          st.TrackingDays,
		LongestStreakDays:     st.LongestStreakDays,
		CurrentStreakDays:     st.CurrentStreakDays,
	}
	if st.LastActiveDay != nil {
		v.LastActiveDay = st.LastActiveDay.Format(dateLayout)
	}
	if !st.UpdatedAt.IsZero() {
		at := st.UpdatedAt
		v.UpdatedAt = &at
	}
	return v
}

// Stats returns the pair's lifetime counters.
func (h *QueryHandler) Stats(c *gin.Context) {
	st, ok, err := h.lifetime(c)
	if err != nil {
		httpx.AbortWithError(c, h.log, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stats for viewer and channel"})
		return
	}
	c.JSON(http.StatusOK, toLifetimeView(st))
}

// Daily returns day rows for ?from=YYYY-MM-DD&to=YYYY-MM-DD, defaulting to the last 30 days.
func (h *QueryHandler) Daily(c *gin.Context) {
	from, to, err := h.dateRange(c)
	if err != nil {
		httpx.AbortWithError(c, h.log, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	rows, err := h.stats.DailyRange(ctx, c.Param("viewer"), c.Param("channel"), from, to)
	if err != nil {
		httpx.AbortWithError(c, h.log, fmt.Errorf("%w: %w", aggregate.ErrStorage, err))
		return
	}
	out := make([]dailyView, 0, len(rows))
	for _, r := range rows {
		out = append(out, dailyView{
			Day:             r.Day.Format(dateLayout),
			WatchMinutes:    model.RoundMinutes(r.WatchMinutes),
			MessageCount:    r.MessageCount,
			LastHeartbeatAt: r.LastHeartbeatAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"from": from.Format(dateLayout),
		"to":   to.Format(dateLayout),
		"days": out,
	})
}

// Badges evaluates the catalogue against the pair's lifetime counters. A
// pair with no stats gets every badge at zero progress.
func (h *QueryHandler) Badges(c *gin.Context) {
	st, _, err := h.lifetime(c)
	if err != nil {
		httpx.AbortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"badges": h.badges.Evaluate(st)})
}

// WatchMinutes is the channel's daily watch-minute series.
func (h *QueryHandler) WatchMinutes(c *gin.Context) {
	h.channelSeries(c, func(ctx context.Context, channel string, from, to time.Time) ([]ch.MetricPoint, error) {
		return h.series.WatchMinutes(ctx, channel, from, to)
	})
}

// ActiveViewers is the channel's daily distinct-viewer series.
func (h *QueryHandler) ActiveViewers(c *gin.Context) {
	h.channelSeries(c, func(ctx context.Context, channel string, from, to time.Time) ([]ch.MetricPoint, error) {
		return h.series.ActiveViewers(ctx, channel, from, to)
	})
}

type seriesFunc func(ctx context.Context, channel string, from, to time.Time) ([]ch.MetricPoint, error)

func (h *QueryHandler) channelSeries(c *gin.Context, fetch seriesFunc) {
	if h.series == nil {
		httpx.AbortWithError(c, h.log, fmt.Errorf("%w: activity archive not configured", aggregate.ErrStorage))
		return
	}
	from, to, err := h.dateRange(c)
	if err != nil {
		httpx.AbortWithError(c, h.log, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	points, err := fetch(ctx, c.Param("channel"), from, to)
	if err != nil {
		httpx.AbortWithError(c, h.log, fmt.Errorf("%w: %w", aggregate.ErrStorage, err))
		return
	}
	if points == nil {
		points = []ch.MetricPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"series": points})
}

func (h *QueryHandler) lifetime(c *gin.Context) (model.LifetimeStats, bool, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	viewer, channel := c.Param("viewer"), c.Param("channel")
	st, ok, err := h.stats.Lifetime(ctx, viewer, channel)
	if err != nil {
		return st, false, fmt.Errorf("%w: %w", aggregate.ErrStorage, err)
	}
	if !ok {
		st = model.LifetimeStats{ViewerID: viewer, ChannelID: channel}
	}
	return st, ok, nil
}

func (h *QueryHandler) dateRange(c *gin.Context) (time.Time, time.Time, error) {
	to := model.Day(h.now())
	from := to.AddDate(0, 0, -(defaultWindow - 1))
	var err error
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(dateLayout, v); err != nil {
			return from, to, fmt.Errorf("%w: to must be YYYY-MM-DD", model.ErrValidation)
		}
		from = to.AddDate(0, 0, -(defaultWindow - 1))
	}
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(dateLayout, v); err != nil {
			return from, to, fmt.Errorf("%w: from must be YYYY-MM-DD", model.ErrValidation)
		}
	}
	if to.Before(from) {
		return from, to, fmt.Errorf("%w: from is after to", model.ErrValidation)
	}
	if to.Sub(from) > maxWindowDays*24*time.Hour {
		return from, to, fmt.Errorf("%w: range exceeds %d days", model.ErrValidation, maxWindowDays)
	}
	return from, to, nil
}
