package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-scheduler/internal/models"
)

// Postgres wraps pgxpool and implements every repository plus the lock table.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Repositories exposes s through the repository bundle.
func (s *Postgres) Repositories() Repositories {
	return Repositories{Reports: s, Schedules: s, Clients: s, Anomalies: s}
}

const reportColumns = `id, client_id, period_start, period_end, status, storage_path, meta, created_at, updated_at`

func scanReport(row pgx.Row) (models.ReportJob, error) {
	var job models.ReportJob
	var status string
	var path pgtype.Text
	var meta []byte
	if err := row.Scan(&job.ID, &job.ClientID, &job.PeriodStart, &job.PeriodEnd, &status, &path, &meta, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.ReportJob{}, err
	}
	job.Status = models.JobStatus(status)
	job.StoragePath = textPtr(path)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Meta); err != nil {
			return models.ReportJob{}, fmt.Errorf("unmarshal meta for %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func (s *Postgres) FindActive(ctx context.Context, clientID string, start, end time.Time) (models.ReportJob, bool, error) {
	job, err := scanReport(s.pool.QueryRow(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE client_id = $1 AND period_start = $2 AND period_end = $3 AND status IN ('queued', 'running')
		ORDER BY created_at LIMIT 1
	`, clientID, dateOnly(start), dateOnly(end)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReportJob{}, false, nil
	}
	if err != nil {
		return models.ReportJob{}, false, fmt.Errorf("find active report: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) GetReport(ctx context.Context, id string) (models.ReportJob, error) {
	job, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReportJob{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ReportJob{}, fmt.Errorf("get report: %w", err)
	}
	return job, nil
}

func (s *Postgres) CreateReport(ctx context.Context, job models.ReportJob) (models.ReportJob, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return models.ReportJob{}, fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (id, client_id, period_start, period_end, status, storage_path, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, job.ID, job.ClientID, dateOnly(job.PeriodStart), dateOnly(job.PeriodEnd), string(job.Status), job.StoragePath, meta, job.CreatedAt)
	if err != nil {
		return models.ReportJob{}, fmt.Errorf("insert report: %w", err)
	}
	return job, nil
}

func (s *Postgres) PatchReport(ctx context.Context, id string, p ReportPatch) (models.ReportJob, bool, error) {
	set, remove := p.SplitMeta()
	meta, err := json.Marshal(set)
	if err != nil {
		return models.ReportJob{}, false, fmt.Errorf("marshal meta patch: %w", err)
	}
	job, err := scanReport(s.pool.QueryRow(ctx, `
		UPDATE reports SET
			status = COALESCE(NULLIF($2::text, ''), status),
			storage_path = COALESCE($3, storage_path),
			meta = (meta || $4::jsonb) - $5::text[],
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($6::text[])
		RETURNING `+reportColumns,
		id, string(p.Status), p.StoragePath, meta, remove, p.fromStatuses()))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetReport(ctx, id)
		if err != nil {
			return models.ReportJob{}, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return models.ReportJob{}, false, fmt.Errorf("patch report: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) OldestQueued(ctx context.Context) (models.ReportJob, bool, error) {
	job, err := scanReport(s.pool.QueryRow(ctx, `
		SELECT `+reportColumns+` FROM reports WHERE status = 'queued' ORDER BY created_at, id LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReportJob{}, false, nil
	}
	if err != nil {
		return models.ReportJob{}, false, fmt.Errorf("oldest queued report: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) RecentSuccessful(ctx context.Context, clientID, excludeID string, limit int) ([]models.ReportJob, error) {
	return s.queryReports(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE client_id = $1 AND status = 'success' AND id <> $2
		ORDER BY period_end DESC, created_at DESC LIMIT $3
	`, clientID, excludeID, limit)
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.JobStatus) ([]models.ReportJob, error) {
	return s.queryReports(ctx, `
		SELECT `+reportColumns+` FROM reports WHERE status = $1 ORDER BY created_at
	`, string(status))
}

func (s *Postgres) queryReports(ctx context.Context, sql string, args ...any) ([]models.ReportJob, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	var out []models.ReportJob
	for rows.Next() {
		job, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reports WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

func (s *Postgres) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM reports WHERE status IN ('success', 'failed') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

const scheduleColumns = `id, client_id, cron_key, frequency, next_run_at, last_run_at, active, template_id, created_at, updated_at`

func scanSchedule(row pgx.Row) (models.Schedule, error) {
	var sc models.Schedule
	var freq string
	var next, last pgtype.Timestamptz
	var tmpl pgtype.Text
	if err := row.Scan(&sc.ID, &sc.ClientID, &sc.CronKey, &freq, &next, &last, &sc.Active, &tmpl, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return models.Schedule{}, err
	}
	sc.Frequency = models.Frequency(freq)
	sc.NextRunAt = timePtr(next)
	sc.LastRunAt = timePtr(last)
	sc.TemplateID = textPtr(tmpl)
	return sc, nil
}

func (s *Postgres) DueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE active AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at, id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Postgres) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Postgres) SaveSchedule(ctx context.Context, sc models.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, client_id, cron_key, frequency, next_run_at, last_run_at, active, template_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id, cron_key = EXCLUDED.cron_key, frequency = EXCLUDED.frequency,
			next_run_at = EXCLUDED.next_run_at, last_run_at = EXCLUDED.last_run_at, active = EXCLUDED.active,
			template_id = EXCLUDED.template_id, updated_at = NOW()
	`, sc.ID, sc.ClientID, sc.CronKey, string(sc.Frequency), sc.NextRunAt, sc.LastRunAt, sc.Active, sc.TemplateID)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateScheduleRun(ctx context.Context, id string, next, last *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET next_run_at = COALESCE($2, next_run_at), last_run_at = COALESCE($3, last_run_at), updated_at = NOW()
		WHERE id = $1
	`, id, next, last)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) GetClient(ctx context.Context, id string) (models.Client, error) {
	var c models.Client
	var recipients, policy []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, timezone, report_recipients, notification_policy, created_at FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Timezone, &recipients, &policy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Client{}, fmt.Errorf("get client: %w", err)
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &c.ReportRecipients); err != nil {
			return models.Client{}, fmt.Errorf("unmarshal recipients: %w", err)
		}
	}
	c.NotificationPolicy = policy
	return c, nil
}

func (s *Postgres) ActiveDataSources(ctx context.Context, clientID string) ([]models.DataSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, kind, name, config, active FROM data_sources
		WHERE client_id = $1 AND active ORDER BY id
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query data sources: %w", err)
	}
	defer rows.Close()
	var out []models.DataSource
	for rows.Next() {
		var ds models.DataSource
		var cfg []byte
		if err := rows.Scan(&ds.ID, &ds.ClientID, &ds.Kind, &ds.Name, &cfg, &ds.Active); err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &ds.Config); err != nil {
				return nil, fmt.Errorf("unmarshal data source config: %w", err)
			}
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (s *Postgres) GetTemplate(ctx context.Context, id string) (models.Template, error) {
	return s.oneTemplate(ctx, `SELECT id, name, body, is_default FROM templates WHERE id = $1`, id)
}

func (s *Postgres) DefaultTemplate(ctx context.Context) (models.Template, error) {
	return s.oneTemplate(ctx, `SELECT id, name, body, is_default FROM templates WHERE is_default ORDER BY id LIMIT 1`)
}

func (s *Postgres) oneTemplate(ctx context.Context, sql string, args ...any) (models.Template, error) {
	var t models.Template
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&t.ID, &t.Name, &t.Body, &t.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Template{}, fmt.Errorf("template: %w", ErrNotFound)
	}
	if err != nil {
		return models.Template{}, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// CreateAnomalies inserts all items in one transaction.
func (s *Postgres) CreateAnomalies(ctx context.Context, items []models.Anomaly) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, a := range items {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal anomaly: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO anomalies (id, client_id, type, severity, payload, detected_at, notified)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, a.ClientID, a.Metric, a.Severity, payload, a.DetectedAt, a.Notified); err != nil {
			return fmt.Errorf("insert anomaly: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) MarkNotified(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE anomalies SET notified = TRUE WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark anomalies notified: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteAnomaliesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM anomalies WHERE detected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old anomalies: %w", err)
	}
	return tag.RowsAffected(), nil
}

// dateOnly keeps the calendar date of t for DATE columns.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
