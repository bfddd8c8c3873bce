package queue

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"report-scheduler/internal/models"
	"report-scheduler/internal/store"
	"report-scheduler/internal/telemetry"
)

// TickResult summarizes one tick.
type TickResult struct {
	// Contended is true when either lease was held elsewhere.
	Contended  bool             `json:"contended"`
	Dispatched int              `json:"dispatched"`
	JobID      string           `json:"job_id,omitempty"`
	Status     models.JobStatus `json:"status,omitempty"`
}

// Tick dispatches due schedules and claims the oldest queued job under the
// global lease, then processes that job under its client's lease. Lease
// contention is not an error. Processing failures end up on the job; the
// returned error covers lock and repository failures only.
func (q *Queue) Tick(ctx context.Context) (TickResult, error) {
	now := q.deps.Clock.Now()
	q.deps.State.MarkTick(now)
	telemetry.LastTickGauge.Set(float64(now.Unix()))

	var res TickResult
	var claimed *models.ReportJob
	ran, err := q.deps.Locks.WithLock(ctx, GlobalLock, q.owner(), q.opts.LockTTL, func(ctx context.Context) error {
		res.Dispatched = q.DispatchDue(ctx, now)
		job, ok, err := q.claim(ctx)
		if err != nil {
			return err
		}
		if ok {
			claimed = &job
		}
		return nil
	})
	if err != nil {
		telemetry.Ticks.WithLabelValues("error").Inc()
		return res, fmt.Errorf("tick: %w", err)
	}
	if !ran {
		q.log.Info("queue-global held elsewhere, skipping tick")
		telemetry.Ticks.WithLabelValues("contended").Inc()
		res.Contended = true
		return res, nil
	}
	q.refreshDepth(ctx)
	if claimed == nil {
		telemetry.Ticks.WithLabelValues("idle").Inc()
		return res, nil
	}

	job := *claimed
	res.JobID = job.ID
	log := q.log.WithFields(logrus.Fields{"job": job.ID, "client": job.ClientID})
	ran, err = q.deps.Locks.WithLock(ctx, ClientLock(job.ClientID), q.owner(), q.opts.LockTTL, func(ctx context.Context) error {
		final := q.Process(ctx, job)
		res.Status = final.Status
		return nil
	})
	if err != nil || !ran {
		if err != nil {
			log.WithError(err).Warn("client lock failed, returning job to queue")
		} else {
			log.Info("client lock held elsewhere, returning job to queue")
			res.Contended = true
		}
		if rerr := q.revert(ctx, job); rerr != nil {
			telemetry.Ticks.WithLabelValues("error").Inc()
			return res, fmt.Errorf("revert job %s: %w", job.ID, rerr)
		}
		res.Status = models.StatusQueued
		telemetry.Ticks.WithLabelValues("reverted").Inc()
		if err != nil {
			return res, fmt.Errorf("tick: %w", err)
		}
		return res, nil
	}
	telemetry.Ticks.WithLabelValues("processed").Inc()
	return res, nil
}

// claim moves the oldest queued job to running.
func (q *Queue) claim(ctx context.Context) (models.ReportJob, bool, error) {
	job, ok, err := q.deps.Repos.Reports.OldestQueued(ctx)
	if err != nil || !ok {
		return models.ReportJob{}, false, err
	}
	claimed, applied, err := q.deps.Repos.Reports.PatchReport(ctx, job.ID, store.ReportPatch{
		From:   []models.JobStatus{models.StatusQueued},
		Status: models.StatusRunning,
		Meta:   map[string]any{"started_at": q.deps.Clock.Now()},
	})
	if err != nil {
		return models.ReportJob{}, false, fmt.Errorf("claim %s: %w", job.ID, err)
	}
	if !applied {
		return models.ReportJob{}, false, nil
	}
	return claimed, true, nil
}

// revert is the only backward transition: running back to queued after the
// client lease could not be taken.
func (q *Queue) revert(ctx context.Context, job models.ReportJob) error {
	_, applied, err := q.deps.Repos.Reports.PatchReport(context.WithoutCancel(ctx), job.ID, store.ReportPatch{
		From:   []models.JobStatus{models.StatusRunning},
		Status: models.StatusQueued,
		Meta:   map[string]any{"lock_contended_at": q.deps.Clock.Now()},
	})
	if err != nil {
		return err
	}
	if applied {
		telemetry.JobsReverted.Inc()
	}
	return nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	n, err := q.deps.Repos.Reports.CountByStatus(ctx, models.StatusQueued)
	if err != nil {
		q.log.WithError(err).Debug("count queued reports")
		return
	}
	telemetry.QueueDepthGauge.Set(float64(n))
}
