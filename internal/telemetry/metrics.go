package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReportsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reports_enqueued_total", Help: "Enqueue calls by outcome (created or merged)"}, []string{"outcome"})
	Ticks             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_ticks_total", Help: "Queue ticks by outcome"}, []string{"outcome"})
	SchedulesDispatch = prometheus.NewCounter(prometheus.CounterOpts{Name: "schedules_dispatched_total", Help: "Recurring schedules turned into jobs"})
	JobsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_jobs_finished_total", Help: "Report jobs by terminal status"}, []string{"status"})
	JobsReverted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_jobs_reverted_total", Help: "Claimed jobs returned to queued on client lock contention"})
	LockContention    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lock_contention_total", Help: "Lease acquisitions that lost to another owner"}, []string{"lock"})
	Notifications     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifications_total", Help: "Channel deliveries by result"}, []string{"channel", "result"})
	NotificationSkips = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifications_skipped_total", Help: "Route calls suppressed by policy"}, []string{"reason"})
	TaskRuns          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_task_runs_total", Help: "Maintenance task executions by result"}, []string{"task", "result"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Manual enqueue requests rejected by the per-client limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_queue_depth", Help: "Report jobs currently queued"})
	LastTickGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_last_tick_timestamp_seconds", Help: "Unix time of the last queue tick"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsEnqueued,
			Ticks,
			SchedulesDispatch,
			JobsFinished,
			JobsReverted,
			LockContention,
			Notifications,
			NotificationSkips,
			TaskRuns,
			RateLimitRejects,
			QueueDepthGauge,
			LastTickGauge,
		)
	})
	return promhttp.Handler()
}
