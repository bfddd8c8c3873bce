// Package scheduler runs named maintenance tasks whose cron expression is due
// at tick time. The overlap guard is process-local: a task that must not run
// concurrently across processes has to take a lock.Manager lease itself.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/telemetry"
)

// Func is a task body.
type Func func(ctx context.Context) error

// Scheduler holds task registrations for one process.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string
	running map[string]bool
	clock   clock.Clock
	log     *logrus.Entry
}

// New creates an empty scheduler. A nil clock uses the wall clock.
func New(clk clock.Clock, log *logrus.Entry) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		tasks:   make(map[string]*Task),
		running: make(map[string]bool),
		clock:   clk,
		log:     log.WithField("component", "scheduler"),
	}
}

// Schedule registers fn under name and returns the task for fluent
// configuration. Registering a name twice replaces the earlier task.
func (s *Scheduler) Schedule(name string, fn Func) *Task {
	t := &Task{name: name, fn: fn, log: s.log.WithField("task", name)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; !exists {
		s.order = append(s.order, name)
	}
	s.tasks[name] = t
	return t
}

// Tasks returns registered tasks in registration order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tasks[name])
	}
	return out
}

// Task returns the registration for name.
func (s *Scheduler) Task(name string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return t, ok
}

// IsDue applies cron field matching to now. A task without a valid
// expression is never due.
func (s *Scheduler) IsDue(t *Task, now time.Time) bool {
	expr, ok := t.expression()
	if !ok {
		return false
	}
	return expr.Matches(now)
}

// TryRun executes t unless it is already running in this process. Errors and
// panics from the task are logged and recorded, never returned.
func (s *Scheduler) TryRun(ctx context.Context, t *Task, now time.Time) bool {
	s.mu.Lock()
	if s.running[t.name] {
		s.mu.Unlock()
		t.log.Info("task still running, skipping this tick")
		telemetry.TaskRuns.WithLabelValues(t.name, "skipped").Inc()
		return false
	}
	s.running[t.name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, t.name)
		s.mu.Unlock()
	}()

	start := s.clock.Now()
	err := runSafely(ctx, t.fn)
	elapsed := s.clock.Now().Sub(start)
	t.record(now, elapsed, err)

	result := "success"
	entry := t.log.WithField("duration", elapsed.String())
	if err != nil {
		result = "error"
		entry.WithError(err).Error("task failed")
	} else {
		entry.Debug("task finished")
	}
	telemetry.TaskRuns.WithLabelValues(t.name, result).Inc()
	return true
}

// Run executes every due task once and returns how many actually ran. A task
// that already ran during the current minute is not run again.
func (s *Scheduler) Run(ctx context.Context) int {
	now := s.clock.Now()
	minute := now.Truncate(time.Minute)
	ran := 0
	for _, t := range s.Tasks() {
		if !s.IsDue(t, now) {
			continue
		}
		if last := t.Stats().LastRunAt; !last.IsZero() && last.Truncate(time.Minute).Equal(minute) {
			continue
		}
		if s.TryRun(ctx, t, now) {
			ran++
		}
	}
	return ran
}

// Loop calls Run shortly after every minute boundary until ctx is done.
func (s *Scheduler) Loop(ctx context.Context) {
	for {
		timer := time.NewTimer(untilNextMinute(s.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Run(ctx)
		}
	}
}

// boundaryDelay keeps the wake-up past the boundary despite timer jitter.
const boundaryDelay = 100 * time.Millisecond

func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now) + boundaryDelay
}

// Running lists tasks currently mid-execution, sorted by name.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name := range s.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func runSafely(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}
