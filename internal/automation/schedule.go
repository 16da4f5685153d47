package automation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule builds the cron schedule for a normalized automation.
func Schedule(a Automation) (cron.Schedule, error) {
	hour, minute, err := parseTimeOfDay(a.TimeOfDay)
	if err != nil {
		return nil, err
	}
	switch a.Frequency {
	case FrequencyOnce:
		return onceSchedule{at: a.CreatedAt.Add(onceDelay)}, nil
	case FrequencyDaily:
		return cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	case FrequencyWeekly:
		return cron.ParseStandard(fmt.Sprintf("%d %d * * %d", minute, hour, *a.DayOfWeek))
	case FrequencyBiweekly:
		weekly, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %d", minute, hour, *a.DayOfWeek))
		if err != nil {
			return nil, err
		}
		return biweeklySchedule{weekly: weekly, anchor: a.CreatedAt}, nil
	case FrequencyMonthly:
		// Months without the day are skipped, as cron does.
		return cron.ParseStandard(fmt.Sprintf("%d %d %d * *", minute, hour, *a.DayOfMonth))
	default:
		return nil, invalid("unknown frequency " + string(a.Frequency))
	}
}

// onceSchedule fires a single time; a zero Next keeps cron from running it
// again.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// biweeklySchedule keeps the weekly firings that fall an even number of
// weeks after the anchor week.
type biweeklySchedule struct {
	weekly cron.Schedule
	anchor time.Time
}

func (s biweeklySchedule) Next(t time.Time) time.Time {
	next := s.weekly.Next(t)
	for i := 0; i < 2 && !next.IsZero(); i++ {
		if weeksBetween(s.anchor, next)%2 == 0 {
			return next
		}
		next = s.weekly.Next(next)
	}
	return next
}

// weeksBetween counts Monday-started calendar weeks from a to b.
func weeksBetween(a, b time.Time) int {
	days := int(weekStart(b).Sub(weekStart(a)).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days / 7
}

func weekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
