package maintenance

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/lock"
	"report-scheduler/internal/models"
	"report-scheduler/internal/scheduler"
	"report-scheduler/internal/store"
	"report-scheduler/internal/store/memstore"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	clk    *clock.Mock
	db     *memstore.Store
	leases *lock.MemoryStore
	locks  *lock.Manager
	tasks  *Tasks
}

func newFixture(now time.Time) *fixture {
	clk := clock.NewMock(now)
	db := memstore.New(clk)
	leases := lock.NewMemoryStore()
	locks := lock.NewManager(lock.NewMemoryCache(clk), leases, clk, quietLog())
	return &fixture{
		clk:    clk,
		db:     db,
		leases: leases,
		locks:  locks,
		tasks:  New(db.Repositories(), leases, locks, clk, Options{ReportRetention: 24 * time.Hour, AnomalyRetention: 48 * time.Hour, LockTTL: 2 * time.Minute}, quietLog()),
	}
}

func TestRecoverStuckJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(at("2024-01-10 08:00"))

	oldStart := at("2024-01-10 07:55")
	freshStart := at("2024-01-10 07:58")
	stale, err := f.db.CreateReport(ctx, models.ReportJob{ClientID: "c1", PeriodStart: at("2024-01-08 00:00"), PeriodEnd: at("2024-01-08 00:00"), Status: models.StatusRunning, Meta: models.JobMeta{StartedAt: &oldStart}})
	require.NoError(t, err)
	fresh, err := f.db.CreateReport(ctx, models.ReportJob{ClientID: "c2", PeriodStart: at("2024-01-08 00:00"), PeriodEnd: at("2024-01-08 00:00"), Status: models.StatusRunning, Meta: models.JobMeta{StartedAt: &freshStart}})
	require.NoError(t, err)

	require.NoError(t, f.tasks.RecoverStuckJobs(ctx))

	got, err := f.db.GetReport(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "stale", got.Meta.Error)
	assert.NotNil(t, got.Meta.FailedAt)

	got, err = f.db.GetReport(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

// finishingReports completes every listed job right after listing it.
type finishingReports struct {
	store.Reports
}

func (r finishingReports) ListByStatus(ctx context.Context, status models.JobStatus) ([]models.ReportJob, error) {
	jobs, err := r.Reports.ListByStatus(ctx, status)
	for _, j := range jobs {
		if _, _, perr := r.Reports.PatchReport(ctx, j.ID, store.ReportPatch{From: []models.JobStatus{models.StatusRunning}, Status: models.StatusSuccess}); perr != nil {
			return nil, perr
		}
	}
	return jobs, err
}

func TestRecoverStuckJobsKeepsJobsThatFinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(at("2024-01-10 08:00"))
	oldStart := at("2024-01-10 07:50")
	job, err := f.db.CreateReport(ctx, models.ReportJob{ClientID: "c1", PeriodStart: at("2024-01-08 00:00"), PeriodEnd: at("2024-01-08 00:00"), Status: models.StatusRunning, Meta: models.JobMeta{StartedAt: &oldStart}})
	require.NoError(t, err)

	repos := f.db.Repositories()
	repos.Reports = finishingReports{Reports: repos.Reports}
	tasks := New(repos, f.leases, f.locks, f.clk, Options{LockTTL: 2 * time.Minute}, quietLog())
	require.NoError(t, tasks.RecoverStuckJobs(ctx))

	got, err := f.db.GetReport(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Empty(t, got.Meta.Error)
}

func TestSweepLocksRemovesExpiredRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(at("2024-01-10 08:00"))
	ok, err := f.leases.InsertIfAbsent(ctx, "client-c1", "dead-owner", at("2024-01-10 07:50"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.leases.InsertIfAbsent(ctx, "client-c2", "live-owner", at("2024-01-10 07:59"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.tasks.SweepLocks(ctx))

	_, held := f.leases.Holder("client-c1")
	assert.False(t, held)
	_, held = f.leases.Holder("client-c2")
	assert.True(t, held)
}

func TestCleanupRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(at("2024-01-01 00:00"))
	_, err := f.db.CreateReport(ctx, models.ReportJob{ClientID: "c1", PeriodStart: at("2023-12-30 00:00"), PeriodEnd: at("2023-12-30 00:00"), Status: models.StatusSuccess})
	require.NoError(t, err)
	queued, err := f.db.CreateReport(ctx, models.ReportJob{ClientID: "c1", PeriodStart: at("2023-12-31 00:00"), PeriodEnd: at("2023-12-31 00:00")})
	require.NoError(t, err)
	require.NoError(t, f.db.CreateAnomalies(ctx, []models.Anomaly{{ID: "a1", ClientID: "c1", Metric: "revenue", DetectedAt: at("2024-01-01 00:00")}}))

	f.clk.Set(at("2024-01-03 03:00"))
	require.NoError(t, f.tasks.CleanupRetention(ctx))

	reports := f.db.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, queued.ID, reports[0].ID)
	assert.Empty(t, f.db.Anomalies())
}

func TestGuardedTaskSkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(at("2024-01-10 08:00"))
	s := scheduler.New(f.clk, quietLog())
	f.tasks.Register(s)

	ok, err := f.locks.Acquire(ctx, "task-"+StuckJobRecovery, "elsewhere", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	oldStart := at("2024-01-10 07:00")
	stale, err := f.db.CreateReport(ctx, models.ReportJob{ClientID: "c1", PeriodStart: at("2024-01-08 00:00"), PeriodEnd: at("2024-01-08 00:00"), Status: models.StatusRunning, Meta: models.JobMeta{StartedAt: &oldStart}})
	require.NoError(t, err)

	task, ok := s.Task(StuckJobRecovery)
	require.True(t, ok)
	require.True(t, s.TryRun(ctx, task, f.clk.Now()))
	got, err := f.db.GetReport(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	require.NoError(t, f.locks.Release(ctx, "task-"+StuckJobRecovery, "elsewhere"))
	require.True(t, s.TryRun(ctx, task, f.clk.Now()))
	got, err = f.db.GetReport(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestRegisterCadences(t *testing.T) {
	f := newFixture(at("2024-01-10 03:00"))
	s := scheduler.New(f.clk, quietLog())
	f.tasks.Register(s)

	due := map[string]bool{}
	for _, task := range s.Tasks() {
		due[task.Name()] = s.IsDue(task, at("2024-01-10 03:00"))
	}
	assert.Equal(t, map[string]bool{RetentionCleanup: true, LockSweep: true, StuckJobRecovery: true}, due)

	assert.False(t, s.IsDue(mustTask(t, s, RetentionCleanup), at("2024-01-10 03:01")))
	assert.True(t, s.IsDue(mustTask(t, s, LockSweep), at("2024-01-10 03:01")))
	assert.False(t, s.IsDue(mustTask(t, s, StuckJobRecovery), at("2024-01-10 03:01")))
}

func mustTask(t *testing.T, s *scheduler.Scheduler, name string) *scheduler.Task {
	t.Helper()
	task, ok := s.Task(name)
	require.True(t, ok)
	return task
}
