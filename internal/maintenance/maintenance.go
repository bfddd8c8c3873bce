// Package maintenance registers the housekeeping tasks on the scheduler.
// Every task body runs under a "task-<name>" lease so concurrent schedulers
// in different processes do not repeat the work.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/lock"
	"report-scheduler/internal/models"
	"report-scheduler/internal/scheduler"
	"report-scheduler/internal/store"
)

const (
	RetentionCleanup = "retention-cleanup"
	LockSweep        = "lock-sweep"
	StuckJobRecovery = "stuck-job-recovery"
)

// Locker is satisfied by *lock.Manager.
type Locker interface {
	WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error)
}

type Options struct {
	ReportRetention  time.Duration
	AnomalyRetention time.Duration
	// LockTTL is the queue lease TTL; running jobs older than twice this are stale.
	LockTTL time.Duration
}

type Tasks struct {
	repos   store.Repositories
	sweeper store.LockSweeper
	locks   Locker
	clock   clock.Clock
	opts    Options
	log     *logrus.Entry
}

// New builds the task set. sweeper may be nil when leases live only in memory.
func New(repos store.Repositories, sweeper store.LockSweeper, locks Locker, clk clock.Clock, opts Options, log *logrus.Entry) *Tasks {
	if opts.ReportRetention <= 0 {
		opts.ReportRetention = 90 * 24 * time.Hour
	}
	if opts.AnomalyRetention <= 0 {
		opts.AnomalyRetention = 180 * 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = lock.DefaultTTL
	}
	return &Tasks{repos: repos, sweeper: sweeper, locks: locks, clock: clk, opts: opts, log: log.WithField("component", "maintenance")}
}

// Register adds every task to s with its cadence.
func (m *Tasks) Register(s *scheduler.Scheduler) {
	s.Schedule(RetentionCleanup, m.guarded(RetentionCleanup, m.CleanupRetention)).DailyAt("03:00")
	s.Schedule(LockSweep, m.guarded(LockSweep, m.SweepLocks)).EveryMinute()
	s.Schedule(StuckJobRecovery, m.guarded(StuckJobRecovery, m.RecoverStuckJobs)).EveryFiveMinutes()
}

func (m *Tasks) guarded(name string, fn scheduler.Func) scheduler.Func {
	return func(ctx context.Context) error {
		ran, err := m.locks.WithLock(ctx, "task-"+name, "task:"+uuid.New().String(), m.opts.LockTTL, fn)
		if err != nil {
			return err
		}
		if !ran {
			m.log.WithField("task", name).Debug("task lease held elsewhere")
		}
		return nil
	}
}

// CleanupRetention deletes finished reports and anomalies past retention.
func (m *Tasks) CleanupRetention(ctx context.Context) error {
	now := m.clock.Now()
	reports, err := m.repos.Reports.DeleteFinishedBefore(ctx, now.Add(-m.opts.ReportRetention))
	if err != nil {
		return fmt.Errorf("delete old reports: %w", err)
	}
	anomalies, err := m.repos.Anomalies.DeleteAnomaliesBefore(ctx, now.Add(-m.opts.AnomalyRetention))
	if err != nil {
		return fmt.Errorf("delete old anomalies: %w", err)
	}
	m.log.WithFields(logrus.Fields{"reports": reports, "anomalies": anomalies}).Info("retention cleanup done")
	return nil
}

// SweepLocks deletes lease rows whose TTL elapsed.
func (m *Tasks) SweepLocks(ctx context.Context) error {
	if m.sweeper == nil {
		return nil
	}
	n, err := m.sweeper.SweepExpiredLocks(ctx, m.clock.Now(), m.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("sweep locks: %w", err)
	}
	if n > 0 {
		m.log.WithField("deleted", n).Info("expired locks swept")
	}
	return nil
}

// RecoverStuckJobs fails running jobs whose owner vanished.
func (m *Tasks) RecoverStuckJobs(ctx context.Context) error {
	running, err := m.repos.Reports.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running reports: %w", err)
	}
	now := m.clock.Now()
	cutoff := now.Add(-2 * m.opts.LockTTL)
	for _, job := range running {
		started := job.UpdatedAt
		if job.Meta.StartedAt != nil {
			started = *job.Meta.StartedAt
		}
		if started.After(cutoff) {
			continue
		}
		_, applied, err := m.repos.Reports.PatchReport(ctx, job.ID, store.ReportPatch{
			From:   []models.JobStatus{models.StatusRunning},
			Status: models.StatusFailed,
			Meta:   map[string]any{"error": "stale", "failed_at": now},
		})
		if err != nil {
			return fmt.Errorf("fail stale report %s: %w", job.ID, err)
		}
		if !applied {
			continue
		}
		m.log.WithFields(logrus.Fields{"job": job.ID, "client": job.ClientID, "started_at": started}).Warn("stale running report failed")
	}
	return nil
}
