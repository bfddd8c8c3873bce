package queue

import (
	"time"

	"report-scheduler/internal/models"
)

// PeriodFor returns the last complete reporting period before now, read in
// loc: yesterday for daily, the previous Monday to Sunday for weekly, the
// previous calendar month for monthly.
func PeriodFor(freq models.Frequency, now time.Time, loc *time.Location) models.Period {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	switch freq {
	case models.FrequencyWeekly:
		sinceMonday := (int(today.Weekday()) + 6) % 7
		monday := today.AddDate(0, 0, -sinceMonday)
		return models.NewPeriod(monday.AddDate(0, 0, -7), monday.AddDate(0, 0, -1))
	case models.FrequencyMonthly:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		return models.NewPeriod(first.AddDate(0, -1, 0), first.AddDate(0, 0, -1))
	default:
		y := today.AddDate(0, 0, -1)
		return models.NewPeriod(y, y)
	}
}

// Advance adds one frequency unit to t.
func Advance(freq models.Frequency, t time.Time) time.Time {
	switch freq {
	case models.FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case models.FrequencyMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// NextRunAt advances prev by one unit, or now when prev is nil.
func NextRunAt(freq models.Frequency, prev *time.Time, now time.Time) time.Time {
	if prev == nil {
		return Advance(freq, now)
	}
	return Advance(freq, *prev)
}
