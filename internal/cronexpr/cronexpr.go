// Package cronexpr matches standard 5-field cron expressions against a time.
// It is independent of any task abstraction: (expression, now) -> due / next.
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalid wraps every parse failure.
var ErrInvalid = errors.New("cronexpr: invalid expression")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Expr is a parsed expression.
type Expr struct {
	source   string
	schedule cron.Schedule
}

// Parse parses minute, hour, day-of-month, month and day-of-week fields.
// Descriptors such as @hourly and @daily are accepted.
func Parse(expr string) (Expr, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return Expr{}, fmt.Errorf("%w %q: %v", ErrInvalid, expr, err)
	}
	return Expr{source: expr, schedule: sched}, nil
}

// MustParse panics on invalid input. Only use it with constants.
func MustParse(expr string) Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func (e Expr) String() string { return e.source }

// Matches reports whether the minute containing t satisfies every field.
func (e Expr) Matches(t time.Time) bool {
	if e.schedule == nil {
		return false
	}
	minute := t.Truncate(time.Minute)
	return e.schedule.Next(minute.Add(-time.Second)).Equal(minute)
}

// Next returns the first matching minute strictly after t.
func (e Expr) Next(t time.Time) time.Time {
	if e.schedule == nil {
		return time.Time{}
	}
	return e.schedule.Next(t)
}

// Daily builds "MM HH * * *" from an "HH:MM" clock time.
func Daily(at string) (string, error) {
	h, m, err := ParseClock(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// Weekly builds "MM HH * * D".
func Weekly(day time.Weekday, at string) (string, error) {
	h, m, err := ParseClock(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * %d", m, h, int(day)), nil
}

// Monthly builds "MM HH D * *".
func Monthly(dayOfMonth int, at string) (string, error) {
	if dayOfMonth < 1 || dayOfMonth > 31 {
		return "", fmt.Errorf("%w: day of month %d", ErrInvalid, dayOfMonth)
	}
	h, m, err := ParseClock(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d %d * *", m, h, dayOfMonth), nil
}

// ParseClock parses "HH:MM" in 24h form.
func ParseClock(at string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: clock %q", ErrInvalid, at)
	}
	return t.Hour(), t.Minute(), nil
}
