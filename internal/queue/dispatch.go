package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"report-scheduler/internal/telemetry"
)

// DispatchDue turns every due active schedule into a job and advances its
// next_run_at. A schedule whose job could not be created keeps its
// next_run_at and is retried on the next tick. It returns how many schedules
// were dispatched.
func (q *Queue) DispatchDue(ctx context.Context, now time.Time) int {
	due, err := q.deps.Repos.Schedules.DueSchedules(ctx, now)
	if err != nil {
		q.log.WithError(err).Error("load due schedules")
		return 0
	}
	dispatched := 0
	for _, sc := range due {
		log := q.log.WithFields(logrus.Fields{"schedule": sc.ID, "client": sc.ClientID})
		if !sc.Active {
			continue
		}
		if !sc.Frequency.Valid() {
			log.WithField("frequency", sc.Frequency).Warn("schedule has unknown frequency, skipping")
			continue
		}
		client, err := q.deps.Repos.Clients.GetClient(ctx, sc.ClientID)
		if err != nil {
			log.WithError(err).Warn("resolve schedule client, will retry next tick")
			continue
		}
		period := PeriodFor(sc.Frequency, now, client.Location(q.opts.DefaultTimezone))
		next := NextRunAt(sc.Frequency, sc.NextRunAt, now)

		req := EnqueueRequest{
			ClientID:   sc.ClientID,
			Period:     period,
			ScheduleID: sc.ID,
			Origin:     "schedule",
			Extra:      map[string]any{"schedule_next_run_at": next},
		}
		if sc.TemplateID != nil {
			req.TemplateID = *sc.TemplateID
		}
		job, _, err := q.Enqueue(ctx, req)
		if err != nil {
			log.WithError(err).Warn("enqueue scheduled report, will retry next tick")
			continue
		}
		if err := q.deps.Repos.Schedules.UpdateScheduleRun(ctx, sc.ID, &next, nil); err != nil {
			log.WithError(err).Error("advance schedule next_run_at")
			continue
		}
		dispatched++
		telemetry.SchedulesDispatch.Inc()
		log.WithFields(logrus.Fields{"job": job.ID, "period": period.String(), "next_run_at": next}).Info("schedule dispatched")
	}
	return dispatched
}
