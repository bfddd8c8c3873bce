// Package queue enqueues report jobs per client and period, and advances the
// queue one job per tick under the "queue-global" and "client-<id>" leases.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"report-scheduler/internal/anomaly"
	"report-scheduler/internal/clock"
	"report-scheduler/internal/connector"
	"report-scheduler/internal/lock"
	"report-scheduler/internal/mailer"
	"report-scheduler/internal/models"
	"report-scheduler/internal/notify"
	"report-scheduler/internal/render"
	"report-scheduler/internal/secrets"
	"report-scheduler/internal/store"
	"report-scheduler/internal/telemetry"
)

var (
	ErrInvalidPeriod  = errors.New("queue: period start is after period end")
	ErrClientNotFound = errors.New("queue: client not found")
)

// GlobalLock serializes schedule dispatch and job claiming across processes.
const GlobalLock = "queue-global"

// ClientLock names the lease held while a client's job is processed.
func ClientLock(clientID string) string { return "client-" + clientID }

// Locker runs fn under a named lease. ran is false when the lease is held
// elsewhere.
type Locker interface {
	WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error)
}

// Notifier routes anomalies for one client.
type Notifier interface {
	Route(ctx context.Context, anomalies []models.Anomaly, policy notify.Policy, entity notify.Entity, period models.Period) (notify.Result, error)
}

// Callout reports an operational failure to humans, best effort.
type Callout func(ctx context.Context, text string) error

// State is the queue's observable runtime state.
type State struct {
	mu       sync.RWMutex
	lastTick time.Time
}

func (s *State) MarkTick(t time.Time) {
	s.mu.Lock()
	s.lastTick = t
	s.mu.Unlock()
}

// LastTick is the zero time until the first tick.
func (s *State) LastTick() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

// Deps are the queue's collaborators. Notifier, Mailer and Callout may be nil.
type Deps struct {
	Repos      store.Repositories
	Locks      Locker
	Connectors *connector.Registry
	Detector   anomaly.Detector
	Renderer   render.Renderer
	Notifier   Notifier
	Mailer     mailer.Sender
	Secrets    *secrets.Box
	Callout    Callout
	Clock      clock.Clock
	State      *State
	Log        *logrus.Entry
}

// Options tune queue behavior.
type Options struct {
	LockTTL         time.Duration
	HistorySize     int
	DefaultTimezone string
	MailAttempts    int
	MailBackoff     time.Duration
	// ExecutionBudget bounds mail retries within one tick, counted from the
	// job's started_at. The whole run holds the client lease, so New clamps
	// the budget to MaxExecutionBudget(LockTTL).
	ExecutionBudget time.Duration
	// StorageDir, when set, lets report mail attach the local artifact.
	StorageDir string
	// OwnerPrefix identifies this process in lock rows.
	OwnerPrefix string
}

// Queue is safe for concurrent use.
type Queue struct {
	deps Deps
	opts Options
	log  *logrus.Entry
}

func New(d Deps, o Options) *Queue {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.State == nil {
		d.State = &State{}
	}
	if d.Connectors == nil {
		d.Connectors = connector.DefaultRegistry()
	}
	if d.Detector == nil {
		d.Detector = anomaly.NewZScore()
	}
	if d.Secrets == nil {
		d.Secrets = secrets.New("", nil)
	}
	if d.Log == nil {
		d.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.LockTTL <= 0 {
		o.LockTTL = lock.DefaultTTL
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 6
	}
	if o.MailAttempts <= 0 {
		o.MailAttempts = 3
	}
	if o.MailBackoff <= 0 {
		o.MailBackoff = 2 * time.Second
	}
	if limit := MaxExecutionBudget(o.LockTTL); o.ExecutionBudget <= 0 || o.ExecutionBudget > limit {
		if o.ExecutionBudget > limit {
			d.Log.WithFields(logrus.Fields{"budget": o.ExecutionBudget, "lock_ttl": o.LockTTL, "clamped": limit}).
				Warn("execution budget outlives the client lease, clamping")
		}
		o.ExecutionBudget = limit
	}
	if o.OwnerPrefix == "" {
		host, _ := os.Hostname()
		o.OwnerPrefix = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return &Queue{deps: d, opts: o, log: d.Log.WithField("component", "queue")}
}

// MaxExecutionBudget is the longest mail budget that fits in a client lease of
// lockTTL, leaving a quarter of it for rendering and the final writes.
func MaxExecutionBudget(lockTTL time.Duration) time.Duration {
	return lockTTL - lockTTL/4
}

func (q *Queue) State() *State { return q.deps.State }

// owner returns a fresh lease owner token for one acquisition attempt.
func (q *Queue) owner() string {
	return q.opts.OwnerPrefix + ":" + uuid.New().String()
}

// EnqueueRequest describes one report job.
type EnqueueRequest struct {
	ClientID   string
	Period     models.Period
	TemplateID string
	ScheduleID string
	Origin     string
	Extra      map[string]any
}

func (r EnqueueRequest) metaPatch() map[string]any {
	patch := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		patch[k] = v
	}
	if r.TemplateID != "" {
		patch["template_id"] = r.TemplateID
	}
	if r.ScheduleID != "" {
		patch["schedule_id"] = r.ScheduleID
	}
	if r.Origin != "" {
		patch["origin"] = r.Origin
	}
	return patch
}

// Enqueue returns the in-flight job for the client and period, merging the
// request's metadata into it, or creates a new queued job. created reports
// which happened.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (job models.ReportJob, created bool, err error) {
	period := models.NewPeriod(req.Period.Start, req.Period.End)
	if !period.Valid() {
		return models.ReportJob{}, false, ErrInvalidPeriod
	}
	reports := q.deps.Repos.Reports

	for attempt := 0; attempt < 2; attempt++ {
		existing, found, err := reports.FindActive(ctx, req.ClientID, period.Start, period.End)
		if err != nil {
			return models.ReportJob{}, false, err
		}
		if found {
			job, err := q.mergeInto(ctx, existing.ID, req)
			if err != nil {
				return models.ReportJob{}, false, err
			}
			telemetry.ReportsEnqueued.WithLabelValues("merged").Inc()
			return job, false, nil
		}

		now := q.deps.Clock.Now()
		meta := models.JobMeta{QueuedAt: &now}
		if err := meta.Merge(req.metaPatch()); err != nil {
			return models.ReportJob{}, false, fmt.Errorf("merge meta: %w", err)
		}
		job, err := reports.CreateReport(ctx, models.ReportJob{
			ClientID:    req.ClientID,
			PeriodStart: period.Start,
			PeriodEnd:   period.End,
			Status:      models.StatusQueued,
			Meta:        meta,
			CreatedAt:   now,
		})
		if err == nil {
			telemetry.ReportsEnqueued.WithLabelValues("created").Inc()
			q.log.WithFields(logrus.Fields{"job": job.ID, "client": job.ClientID, "period": period.String()}).Info("report job queued")
			return job, true, nil
		}
		// A concurrent enqueue may have won the active-period slot; look again once.
		q.log.WithError(err).WithField("client", req.ClientID).Debug("create report failed, re-checking for active job")
		if attempt == 1 {
			return models.ReportJob{}, false, fmt.Errorf("create report: %w", err)
		}
	}
	return models.ReportJob{}, false, errors.New("unreachable")
}

// mergeInto patches the request's metadata into the job while it is still
// queued or running. A job that finished in the meantime is returned as is.
func (q *Queue) mergeInto(ctx context.Context, id string, req EnqueueRequest) (models.ReportJob, error) {
	job, applied, err := q.deps.Repos.Reports.PatchReport(ctx, id, store.ReportPatch{
		From: []models.JobStatus{models.StatusQueued, models.StatusRunning},
		Meta: req.metaPatch(),
	})
	if err != nil {
		return models.ReportJob{}, fmt.Errorf("merge into report %s: %w", id, err)
	}
	if !applied {
		q.log.WithFields(logrus.Fields{"job": id, "status": job.Status}).Info("report finished before merge, returning it unchanged")
	}
	return job, nil
}

// ValidateManual checks a manual request before it is enqueued.
func (q *Queue) ValidateManual(ctx context.Context, clientID string, period models.Period) (models.Client, error) {
	if !period.Valid() {
		return models.Client{}, ErrInvalidPeriod
	}
	c, err := q.deps.Repos.Clients.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return c, err
}

// GetReport exposes a job for polling.
func (q *Queue) GetReport(ctx context.Context, id string) (models.ReportJob, error) {
	return q.deps.Repos.Reports.GetReport(ctx, id)
}
