package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"report-scheduler/internal/models"
	"report-scheduler/internal/store"
)

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copySchedule(sc models.Schedule) models.Schedule {
	sc.NextRunAt = copyTime(sc.NextRunAt)
	sc.LastRunAt = copyTime(sc.LastRunAt)
	if sc.TemplateID != nil {
		v := *sc.TemplateID
		sc.TemplateID = &v
	}
	return sc
}

func (s *Store) DueSchedules(_ context.Context, now time.Time) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Schedule
	for _, sc := range s.schedules {
		if sc.Active && sc.NextRunAt != nil && !sc.NextRunAt.After(now) {
			out = append(out, copySchedule(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRunAt.Equal(*out[j].NextRunAt) {
			return out[i].NextRunAt.Before(*out[j].NextRunAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	return copySchedule(sc), nil
}

func (s *Store) SaveSchedule(_ context.Context, sc models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	now := s.clock.Now()
	if existing, ok := s.schedules[sc.ID]; ok {
		sc.CreatedAt = existing.CreatedAt
	} else if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	s.schedules[sc.ID] = copySchedule(sc)
	return nil
}

func (s *Store) UpdateScheduleRun(_ context.Context, id string, next, last *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	if next != nil {
		sc.NextRunAt = copyTime(next)
	}
	if last != nil {
		sc.LastRunAt = copyTime(last)
	}
	sc.UpdatedAt = s.clock.Now()
	s.schedules[id] = sc
	return nil
}

// PutClient inserts or replaces a client.
func (s *Store) PutClient(c models.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	s.clients[c.ID] = c
}

// PutDataSource inserts or replaces a data source.
func (s *Store) PutDataSource(ds models.DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[ds.ID] = ds
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(t models.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

func (s *Store) GetClient(_ context.Context, id string) (models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return models.Client{}, fmt.Errorf("client %s: %w", id, store.ErrNotFound)
	}
	c.ReportRecipients = append([]string(nil), c.ReportRecipients...)
	return c, nil
}

func (s *Store) ActiveDataSources(_ context.Context, clientID string) ([]models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DataSource
	for _, ds := range s.sources {
		if ds.ClientID == clientID && ds.Active {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return models.Template{}, fmt.Errorf("template %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (s *Store) DefaultTemplate(_ context.Context) (models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, t := range s.templates {
		if t.IsDefault {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return models.Template{}, fmt.Errorf("default template: %w", store.ErrNotFound)
	}
	sort.Strings(ids)
	return s.templates[ids[0]], nil
}

func (s *Store) CreateAnomalies(_ context.Context, items []models.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range items {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		s.anomalies[a.ID] = a
	}
	return nil
}

func (s *Store) MarkNotified(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if a, ok := s.anomalies[id]; ok {
			a.Notified = true
			s.anomalies[id] = a
		}
	}
	return nil
}

func (s *Store) DeleteAnomaliesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.anomalies {
		if a.DetectedAt.Before(cutoff) {
			delete(s.anomalies, id)
			n++
		}
	}
	return n, nil
}

// Anomalies returns stored anomalies ordered by detection time.
func (s *Store) Anomalies() []models.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Anomaly, 0, len(s.anomalies))
	for _, a := range s.anomalies {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
