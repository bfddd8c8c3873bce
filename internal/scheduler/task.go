package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"report-scheduler/internal/cronexpr"
)

// Task is an in-process registration. Configuration methods return the task
// so calls can be chained; an invalid configuration is logged and leaves the
// task never due.
type Task struct {
	name string
	fn   Func
	log  *logrus.Entry

	mu           sync.Mutex
	expr         cronexpr.Expr
	valid        bool
	lastRunAt    time.Time
	lastDuration time.Duration
	lastErr      error
	runs         int
}

// Stats is a snapshot of a task's bookkeeping.
type Stats struct {
	Name         string
	Expression   string
	LastRunAt    time.Time
	LastDuration time.Duration
	LastError    error
	Runs         int
}

func (t *Task) Name() string { return t.name }

// Cron sets an arbitrary 5-field expression.
func (t *Task) Cron(expr string) *Task {
	parsed, err := cronexpr.Parse(expr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.log.WithError(err).Error("rejecting task schedule")
		t.expr, t.valid = cronexpr.Expr{}, false
		return t
	}
	t.expr, t.valid = parsed, true
	return t
}

func (t *Task) EveryMinute() *Task { return t.Cron("* * * * *") }

func (t *Task) EveryFiveMinutes() *Task { return t.Cron("*/5 * * * *") }

func (t *Task) Hourly() *Task { return t.Cron("0 * * * *") }

// DailyAt runs once a day at HH:MM.
func (t *Task) DailyAt(at string) *Task {
	expr, err := cronexpr.Daily(at)
	return t.cronOrReject(expr, err)
}

// WeeklyOn runs on day at HH:MM.
func (t *Task) WeeklyOn(day time.Weekday, at string) *Task {
	expr, err := cronexpr.Weekly(day, at)
	return t.cronOrReject(expr, err)
}

// MonthlyOn runs on the given day of month at HH:MM.
func (t *Task) MonthlyOn(dayOfMonth int, at string) *Task {
	expr, err := cronexpr.Monthly(dayOfMonth, at)
	return t.cronOrReject(expr, err)
}

func (t *Task) cronOrReject(expr string, err error) *Task {
	if err != nil {
		t.log.WithError(err).Error("rejecting task schedule")
		t.mu.Lock()
		t.expr, t.valid = cronexpr.Expr{}, false
		t.mu.Unlock()
		return t
	}
	return t.Cron(expr)
}

func (t *Task) expression() (cronexpr.Expr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expr, t.valid
}

func (t *Task) record(at time.Time, d time.Duration, err error) {
	t.mu.Lock()
	t.lastRunAt, t.lastDuration, t.lastErr = at, d, err
	t.runs++
	t.mu.Unlock()
}

// Stats returns the task's bookkeeping.
func (t *Task) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Name:         t.name,
		Expression:   t.expr.String(),
		LastRunAt:    t.lastRunAt,
		LastDuration: t.lastDuration,
		LastError:    t.lastErr,
		Runs:         t.runs,
	}
}
