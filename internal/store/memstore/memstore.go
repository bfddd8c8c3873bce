// Package memstore implements the store repositories in memory for tests and
// the CLI's --memory mode.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/models"
	"report-scheduler/internal/store"
)

// Store keeps every table in maps guarded by one mutex. Values are deep
// copied on the way in and out so callers cannot mutate stored rows.
type Store struct {
	mu        sync.Mutex
	clock     clock.Clock
	reports   map[string]models.ReportJob
	seq       map[string]int
	nextSeq   int
	schedules map[string]models.Schedule
	clients   map[string]models.Client
	sources   map[string]models.DataSource
	templates map[string]models.Template
	anomalies map[string]models.Anomaly
}

// New returns an empty store. A nil clock uses the wall clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		clock:     clk,
		reports:   make(map[string]models.ReportJob),
		seq:       make(map[string]int),
		schedules: make(map[string]models.Schedule),
		clients:   make(map[string]models.Client),
		sources:   make(map[string]models.DataSource),
		templates: make(map[string]models.Template),
		anomalies: make(map[string]models.Anomaly),
	}
}

func (s *Store) Repositories() store.Repositories {
	return store.Repositories{Reports: s, Schedules: s, Clients: s, Anomalies: s}
}

func copyJob(job models.ReportJob) models.ReportJob {
	raw, err := json.Marshal(job.Meta)
	if err == nil {
		var meta models.JobMeta
		if json.Unmarshal(raw, &meta) == nil {
			job.Meta = meta
		}
	}
	if job.StoragePath != nil {
		p := *job.StoragePath
		job.StoragePath = &p
	}
	return job
}

func samePeriod(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Store) FindActive(_ context.Context, clientID string, start, end time.Time) (models.ReportJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.ReportJob
	for _, job := range s.reports {
		if job.ClientID != clientID || !job.Status.Active() {
			continue
		}
		if !samePeriod(job.PeriodStart, start) || !samePeriod(job.PeriodEnd, end) {
			continue
		}
		if found == nil || s.seq[job.ID] < s.seq[found.ID] {
			j := job
			found = &j
		}
	}
	if found == nil {
		return models.ReportJob{}, false, nil
	}
	return copyJob(*found), true, nil
}

func (s *Store) GetReport(_ context.Context, id string) (models.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.reports[id]
	if !ok {
		return models.ReportJob{}, fmt.Errorf("report %s: %w", id, store.ErrNotFound)
	}
	return copyJob(job), nil
}

func (s *Store) CreateReport(_ context.Context, job models.ReportJob) (models.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := s.reports[job.ID]; exists {
		return models.ReportJob{}, fmt.Errorf("report %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.Status.Active() {
		for _, other := range s.reports {
			if other.ClientID == job.ClientID && other.Status.Active() &&
				samePeriod(other.PeriodStart, job.PeriodStart) && samePeriod(other.PeriodEnd, job.PeriodEnd) {
				return models.ReportJob{}, fmt.Errorf("active report for %s already exists", job.ClientID)
			}
		}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now()
	}
	job.UpdatedAt = job.CreatedAt
	s.nextSeq++
	s.seq[job.ID] = s.nextSeq
	s.reports[job.ID] = copyJob(job)
	return copyJob(job), nil
}

func (s *Store) PatchReport(_ context.Context, id string, p store.ReportPatch) (models.ReportJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reports[id]
	if !ok {
		return models.ReportJob{}, false, fmt.Errorf("report %s: %w", id, store.ErrNotFound)
	}
	if !p.Allows(current.Status) {
		return copyJob(current), false, nil
	}
	if err := current.Meta.Merge(p.Meta); err != nil {
		return models.ReportJob{}, false, fmt.Errorf("merge meta for %s: %w", id, err)
	}
	if p.Status != "" {
		current.Status = p.Status
	}
	if p.StoragePath != nil {
		current.StoragePath = p.StoragePath
	}
	current.UpdatedAt = s.clock.Now()
	s.reports[id] = copyJob(current)
	return copyJob(current), true, nil
}

// sortedReports returns rows ordered by created_at then insertion order.
func (s *Store) sortedReports(keep func(models.ReportJob) bool) []models.ReportJob {
	var out []models.ReportJob
	for _, job := range s.reports {
		if keep(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out
}

func (s *Store) OldestQueued(_ context.Context) (models.ReportJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.sortedReports(func(j models.ReportJob) bool { return j.Status == models.StatusQueued })
	if len(queued) == 0 {
		return models.ReportJob{}, false, nil
	}
	return copyJob(queued[0]), true, nil
}

func (s *Store) RecentSuccessful(_ context.Context, clientID, excludeID string, limit int) ([]models.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedReports(func(j models.ReportJob) bool {
		return j.ClientID == clientID && j.Status == models.StatusSuccess && j.ID != excludeID
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].PeriodEnd.After(rows[j].PeriodEnd) })
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.ReportJob, len(rows))
	for i, j := range rows {
		out[i] = copyJob(j)
	}
	return out, nil
}

func (s *Store) ListByStatus(_ context.Context, status models.JobStatus) ([]models.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedReports(func(j models.ReportJob) bool { return j.Status == status })
	out := make([]models.ReportJob, len(rows))
	for i, j := range rows {
		out[i] = copyJob(j)
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context, status models.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.reports {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.reports {
		if !j.Status.Active() && j.UpdatedAt.Before(cutoff) {
			delete(s.reports, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

// Reports returns every stored job ordered by creation.
func (s *Store) Reports() []models.ReportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedReports(func(models.ReportJob) bool { return true })
	out := make([]models.ReportJob, len(rows))
	for i, j := range rows {
		out[i] = copyJob(j)
	}
	return out
}
