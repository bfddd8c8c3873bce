package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/models"
	"report-scheduler/internal/store"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFindActiveIgnoresFinishedJobs(t *testing.T) {
	ctx := context.Background()
	s := New(clock.NewMock(day("2024-01-10")))

	done, err := s.CreateReport(ctx, models.ReportJob{ClientID: "c1", PeriodStart: day("2024-01-09"), PeriodEnd: day("2024-01-09"), Status: models.StatusSuccess})
	require.NoError(t, err)

	_, found, err := s.FindActive(ctx, "c1", day("2024-01-09"), day("2024-01-09"))
	require.NoError(t, err)
	assert.False(t, found)

	queued, err := s.CreateReport(ctx, models.ReportJob{ClientID: "c1", PeriodStart: day("2024-01-09"), PeriodEnd: day("2024-01-09")})
	require.NoError(t, err)
	assert.NotEqual(t, done.ID, queued.ID)

	got, found, err := s.FindActive(ctx, "c1", day("2024-01-09"), day("2024-01-09"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, queued.ID, got.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestCreateReportRejectsSecondActiveJob(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	job := models.ReportJob{ClientID: "c1", PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-01-07")}
	_, err := s.CreateReport(ctx, job)
	require.NoError(t, err)
	_, err = s.CreateReport(ctx, job)
	assert.Error(t, err)
}

func TestOldestQueuedOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(day("2024-01-10"))
	s := New(clk)

	first, err := s.CreateReport(ctx, models.ReportJob{ClientID: "a", PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-01-01")})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.CreateReport(ctx, models.ReportJob{ClientID: "b", PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-01-01")})
	require.NoError(t, err)

	got, found, err := s.OldestQueued(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.ID, got.ID)

	_, applied, err := s.PatchReport(ctx, got.ID, store.ReportPatch{From: []models.JobStatus{models.StatusQueued}, Status: models.StatusRunning})
	require.NoError(t, err)
	require.True(t, applied)
	next, found, err := s.OldestQueued(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", next.ClientID)
}

func TestStoredRowsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	job, err := s.CreateReport(ctx, models.ReportJob{ClientID: "a", PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-01-01"), Meta: models.JobMeta{Metrics: map[string]float64{"sessions": 10}}})
	require.NoError(t, err)

	job.Meta.Metrics["sessions"] = 99
	got, err := s.GetReport(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Meta.Metrics["sessions"])
}

func TestRecentSuccessfulNewestFirstExcludingCurrent(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	var ids []string
	for _, d := range []string{"2024-01-05", "2024-01-06", "2024-01-07", "2024-01-08"} {
		job, err := s.CreateReport(ctx, models.ReportJob{ClientID: "a", PeriodStart: day(d), PeriodEnd: day(d), Status: models.StatusSuccess})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	_, err := s.CreateReport(ctx, models.ReportJob{ClientID: "other", PeriodStart: day("2024-01-08"), PeriodEnd: day("2024-01-08"), Status: models.StatusSuccess})
	require.NoError(t, err)

	rows, err := s.RecentSuccessful(ctx, "a", ids[3], 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ids[2], rows[0].ID)
	assert.Equal(t, ids[1], rows[1].ID)
}

func TestScheduleLookups(t *testing.T) {
	ctx := context.Background()
	now := day("2024-01-10")
	s := New(clock.NewMock(now))

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	require.NoError(t, s.SaveSchedule(ctx, models.Schedule{ID: "due", ClientID: "a", Frequency: models.FrequencyDaily, NextRunAt: &past, Active: true}))
	require.NoError(t, s.SaveSchedule(ctx, models.Schedule{ID: "inactive", ClientID: "a", Frequency: models.FrequencyDaily, NextRunAt: &past, Active: false}))
	require.NoError(t, s.SaveSchedule(ctx, models.Schedule{ID: "later", ClientID: "a", Frequency: models.FrequencyDaily, NextRunAt: &future, Active: true}))
	require.NoError(t, s.SaveSchedule(ctx, models.Schedule{ID: "never", ClientID: "a", Frequency: models.FrequencyDaily, Active: true}))

	due, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)

	require.NoError(t, s.UpdateScheduleRun(ctx, "due", &future, nil))
	got, err := s.GetSchedule(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, future, *got.NextRunAt)
	assert.Nil(t, got.LastRunAt)

	err = s.UpdateScheduleRun(ctx, "missing", &future, nil)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRetentionDeletes(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(day("2024-01-01"))
	s := New(clk)

	old, err := s.CreateReport(ctx, models.ReportJob{ClientID: "a", PeriodStart: day("2023-12-31"), PeriodEnd: day("2023-12-31"), Status: models.StatusFailed})
	require.NoError(t, err)
	_, err = s.CreateReport(ctx, models.ReportJob{ClientID: "a", PeriodStart: day("2023-12-30"), PeriodEnd: day("2023-12-30")})
	require.NoError(t, err)
	require.NoError(t, s.CreateAnomalies(ctx, []models.Anomaly{{ID: "x", ClientID: "a", DetectedAt: day("2023-12-31")}}))

	n, err := s.DeleteFinishedBefore(ctx, day("2024-02-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetReport(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, s.Reports(), 1, "queued jobs survive retention")

	n, err = s.DeleteAnomaliesBefore(ctx, day("2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, s.Anomalies())
}

func TestPatchReportOnlyAppliesFromListedStatuses(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	job, err := s.CreateReport(ctx, models.ReportJob{ClientID: "a", PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-01-01"), Status: models.StatusSuccess})
	require.NoError(t, err)

	got, applied, err := s.PatchReport(ctx, job.ID, store.ReportPatch{
		From:   []models.JobStatus{models.StatusQueued, models.StatusRunning},
		Status: models.StatusQueued,
		Meta:   map[string]any{"requested_by": "ops"},
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Nil(t, got.Meta.Extra)

	_, _, err = s.PatchReport(ctx, "missing", store.ReportPatch{From: []models.JobStatus{models.StatusQueued}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPatchReportMergesMetaKeys(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	job, err := s.CreateReport(ctx, models.ReportJob{
		ClientID: "a", PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-01-01"),
		Meta: models.JobMeta{Origin: "manual", Error: "old", Extra: map[string]any{"requested_by": "ops"}},
	})
	require.NoError(t, err)

	path := "reports/a/2024-01-01/x.html"
	got, applied, err := s.PatchReport(ctx, job.ID, store.ReportPatch{
		From:        []models.JobStatus{models.StatusQueued},
		Status:      models.StatusSuccess,
		StoragePath: &path,
		Meta:        map[string]any{"mail_status": models.MailSent, "error": nil},
	})
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, models.StatusSuccess, got.Status)
	require.NotNil(t, got.StoragePath)
	assert.Equal(t, path, *got.StoragePath)
	assert.Equal(t, "manual", got.Meta.Origin)
	assert.Equal(t, models.MailSent, got.Meta.MailStatus)
	assert.Empty(t, got.Meta.Error)
	assert.Equal(t, "ops", got.Meta.Extra["requested_by"])
}
