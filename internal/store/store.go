// Package store defines the repositories the core relies on and their
// Postgres implementation. Callers depend on the interfaces; tests use
// memstore.
package store

import (
	"context"
	"errors"
	"time"

	"report-scheduler/internal/models"
)

// ErrNotFound is returned when a row lookup by id has no match.
var ErrNotFound = errors.New("store: not found")

// Reports persists report jobs.
type Reports interface {
	// FindActive returns the queued or running job for the client and period.
	FindActive(ctx context.Context, clientID string, start, end time.Time) (models.ReportJob, bool, error)
	GetReport(ctx context.Context, id string) (models.ReportJob, error)
	CreateReport(ctx context.Context, job models.ReportJob) (models.ReportJob, error)
	// PatchReport applies p only while the stored status is one of p.From and
	// returns the row as stored afterwards. applied is false when the status
	// did not match; the returned row is then the current, untouched one.
	PatchReport(ctx context.Context, id string, p ReportPatch) (job models.ReportJob, applied bool, err error)
	// OldestQueued returns the queued job with the earliest created_at.
	OldestQueued(ctx context.Context) (models.ReportJob, bool, error)
	// RecentSuccessful lists successful jobs for the client, newest first,
	// skipping excludeID.
	RecentSuccessful(ctx context.Context, clientID, excludeID string, limit int) ([]models.ReportJob, error)
	ListByStatus(ctx context.Context, status models.JobStatus) ([]models.ReportJob, error)
	CountByStatus(ctx context.Context, status models.JobStatus) (int64, error)
	// DeleteFinishedBefore removes success and failed jobs last updated before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ReportPatch is a conditional partial update of one report row. Meta keys
// overwrite the stored keys one by one, so concurrent writers touching
// different keys do not lose each other's changes. A nil meta value removes
// the key.
type ReportPatch struct {
	From        []models.JobStatus
	Status      models.JobStatus
	StoragePath *string
	Meta        map[string]any
}

// Allows reports whether a row in status may be patched.
func (p ReportPatch) Allows(status models.JobStatus) bool {
	for _, s := range p.From {
		if s == status {
			return true
		}
	}
	return false
}

// SplitMeta separates keys to set from keys to remove.
func (p ReportPatch) SplitMeta() (set map[string]any, remove []string) {
	set = map[string]any{}
	remove = []string{}
	for k, v := range p.Meta {
		if v == nil {
			remove = append(remove, k)
			continue
		}
		set[k] = v
	}
	return set, remove
}

func (p ReportPatch) fromStatuses() []string {
	out := make([]string, len(p.From))
	for i, s := range p.From {
		out[i] = string(s)
	}
	return out
}

// Schedules persists recurring report definitions.
type Schedules interface {
	// DueSchedules returns active schedules with next_run_at <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error)
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	SaveSchedule(ctx context.Context, s models.Schedule) error
	// UpdateScheduleRun writes whichever of next and last is non-nil.
	UpdateScheduleRun(ctx context.Context, id string, next, last *time.Time) error
}

// Clients resolves clients and their report inputs.
type Clients interface {
	GetClient(ctx context.Context, id string) (models.Client, error)
	ActiveDataSources(ctx context.Context, clientID string) ([]models.DataSource, error)
	GetTemplate(ctx context.Context, id string) (models.Template, error)
	DefaultTemplate(ctx context.Context) (models.Template, error)
}

// Anomalies persists detector output.
type Anomalies interface {
	CreateAnomalies(ctx context.Context, items []models.Anomaly) error
	MarkNotified(ctx context.Context, ids []string) error
	DeleteAnomaliesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LockSweeper deletes lease rows older than ttl.
type LockSweeper interface {
	SweepExpiredLocks(ctx context.Context, now time.Time, ttl time.Duration) (int64, error)
}

// Repositories bundles every repository the queue and maintenance tasks use.
type Repositories struct {
	Reports   Reports
	Schedules Schedules
	Clients   Clients
	Anomalies Anomalies
}
