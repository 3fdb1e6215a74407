package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// DedupRecord is the admission marker for one heartbeat or notification.
type DedupRecord struct {
	ID              uuid.UUID `json:"id"`
	DedupKey        string    `json:"dedup_key"`
	ViewerID        string    `json:"viewer_id"`
	ChannelID       string    `json:"channel_id"`
	HeartbeatAt     time.Time `json:"heartbeat_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// DailyStats holds per viewer, per channel counters for one UTC calendar day.
type DailyStats struct {
	ViewerID        string     `json:"viewer_id"`
	ChannelID       string     `json:"channel_id"`
	Day             time.Time  `json:"day"`
	WatchMinutes    float64    `json:"watch_minutes"`
	MessageCount    int64      `json:"message_count"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// LifetimeStats holds the monotonically accumulating per-pair counters.
type LifetimeStats struct {
	ViewerID              string     `json:"viewer_id"`
	ChannelID             string     `json:"channel_id"`
	TotalWatchTimeMinutes float64    `json:"total_watch_time_minutes"`
	TotalMessages         int64      `json:"total_messages"`
	TrackingDays          int        `json:"tracking_days"`
	LongestStreakDays     int        `json:"longest_streak_days"`
	CurrentStreakDays     int        `json:"current_streak_days"`
	LastActiveDay         *time.Time `json:"last_active_day,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Badge is derived on demand from LifetimeStats.
type Badge struct {
	ID         string     `json:"id"`
	Category   string     `json:"category"`
	Progress   int        `json:"progress"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RoundMinutes rounds an accumulated minute total for display.
func RoundMinutes(v float64) float64 {
	return math.Round(v*100) / 100
}
