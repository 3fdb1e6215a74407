package aggregate

import (
	"fmt"
	"math"
	"time"

	"viewer-stats/internal/model"
)

// advanceDay folds one unit's calendar day into the lifetime counters.
// firstOfDay is true when the unit created the day's DailyStats row.
//
// The streak only moves forward: a late unit for a day before
// LastActiveDay counts as a tracking day but leaves the streak alone.
func advanceDay(s model.LifetimeStats, day time.Time, firstOfDay bool) model.LifetimeStats {
	day = model.Day(day)
	if firstOfDay {
		s.TrackingDays++
	}

	switch {
	case s.LastActiveDay == nil:
		s.CurrentStreakDays = 1
		s.LastActiveDay = &day
	case day.After(*s.LastActiveDay):
		if day.Equal(s.LastActiveDay.AddDate(0, 0, 1)) {
			s.CurrentStreakDays++
		} else {
			s.CurrentStreakDays = 1
		}
		s.LastActiveDay = &day
	}

	if s.CurrentStreakDays > s.LongestStreakDays {
		s.LongestStreakDays = s.CurrentStreakDays
	}
	return s
}

func checkInvariants(before, after model.LifetimeStats) error {
	switch {
	case after.TotalWatchTimeMinutes < before.TotalWatchTimeMinutes:
		return fmt.Errorf("%w: watch minutes decreased %.4f -> %.4f", ErrInvariant, before.TotalWatchTimeMinutes, after.TotalWatchTimeMinutes)
	case after.TotalMessages < before.TotalMessages:
		return fmt.Errorf("%w: messages decreased %d -> %d", ErrInvariant, before.TotalMessages, after.TotalMessages)
	case after.TrackingDays < before.TrackingDays:
		return fmt.Errorf("%w: tracking days decreased", ErrInvariant)
	case after.LongestStreakDays < after.CurrentStreakDays:
		return fmt.Errorf("%w: longest streak %d below current %d", ErrInvariant, after.LongestStreakDays, after.CurrentStreakDays)
	case after.LastActiveDay != nil && after.CurrentStreakDays < 1:
		return fmt.Errorf("%w: active pair with zero streak", ErrInvariant)
	case math.IsNaN(after.TotalWatchTimeMinutes) || math.IsInf(after.TotalWatchTimeMinutes, 0):
		return fmt.Errorf("%w: watch minutes not finite", ErrInvariant)
	}
	return nil
}
