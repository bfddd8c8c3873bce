package queue

import (
	"context"
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"report-scheduler/internal/anomaly"
	"report-scheduler/internal/connector"
	"report-scheduler/internal/mailer"
	"report-scheduler/internal/models"
	"report-scheduler/internal/notify"
	"report-scheduler/internal/render"
	"report-scheduler/internal/store"
	"report-scheduler/internal/telemetry"
)

// Process generates the report for a claimed job and returns the job as
// persisted. Failures are recorded on the job, which is then terminal. Each
// write only applies while the stored row is still in the status this run
// left it in, so a concurrent enqueue merge or stale recovery is not
// overwritten.
func (q *Queue) Process(ctx context.Context, job models.ReportJob) (final models.ReportJob) {
	log := q.log.WithFields(logrus.Fields{"job": job.ID, "client": job.ClientID, "period": job.Period().String()})
	started := q.deps.Clock.Now()
	if job.Meta.StartedAt != nil {
		started = *job.Meta.StartedAt
	}
	base, err := job.Meta.Snapshot()
	if err != nil {
		log.WithError(err).Warn("snapshot report meta")
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("report processing panicked")
			if job.Status == models.StatusSuccess {
				final = job
			} else {
				final = q.fail(ctx, log, base, job, fmt.Errorf("panic: %v", r))
			}
		}
		q.completeSchedule(ctx, log, final)
		telemetry.JobsFinished.WithLabelValues(string(final.Status)).Inc()
	}()

	client, doc, err := q.generate(ctx, log, &job)
	if err != nil {
		return q.fail(ctx, log, base, job, err)
	}

	now := q.deps.Clock.Now()
	path := doc.path
	job.Status = models.StatusSuccess
	job.StoragePath = &path
	job.Meta.Metrics = doc.Metrics
	job.Meta.Anomalies = len(doc.Anomalies)
	job.Meta.FinishedAt = &now
	job.Meta.Error = ""
	stored, ok := q.save(ctx, log, base, job, models.StatusRunning)
	if !ok {
		return stored
	}
	job = stored
	if base, err = job.Meta.Snapshot(); err != nil {
		log.WithError(err).Warn("snapshot report meta")
	}
	log.WithField("storage_path", path).Info("report generated")

	q.mail(ctx, log, &job, client, doc, started.Add(q.opts.ExecutionBudget))
	q.notify(ctx, log, &job, client, doc.Anomalies)
	final, _ = q.save(ctx, log, base, job, models.StatusSuccess)
	return final
}

type generated struct {
	render.Document
	path string
}

func (q *Queue) generate(ctx context.Context, log *logrus.Entry, job *models.ReportJob) (models.Client, generated, error) {
	repos := q.deps.Repos
	client, err := repos.Clients.GetClient(ctx, job.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return client, generated{}, fmt.Errorf("%w: %s", ErrClientNotFound, job.ClientID)
		}
		return client, generated{}, fmt.Errorf("load client: %w", err)
	}
	tmpl, err := q.template(ctx, job.Meta.TemplateID)
	if err != nil {
		return client, generated{}, err
	}

	period := job.Period()
	metrics, dims := q.collect(ctx, log, job, client, period)

	history, err := q.history(ctx, *job)
	if err != nil {
		return client, generated{}, fmt.Errorf("load history: %w", err)
	}

	found, err := q.deps.Detector.Detect(ctx, anomaly.Input{
		ClientID: client.ID,
		ReportID: job.ID,
		Period:   period,
		Current:  metrics,
		History:  history,
		Now:      q.deps.Clock.Now(),
	})
	if err != nil {
		log.WithError(err).Warn("anomaly detection failed, continuing without anomalies")
		found = nil
	}
	if len(found) > 0 {
		if err := repos.Anomalies.CreateAnomalies(ctx, found); err != nil {
			return client, generated{}, fmt.Errorf("store anomalies: %w", err)
		}
	}

	doc := render.Document{
		JobID:       job.ID,
		Client:      client,
		Period:      period,
		Template:    tmpl,
		Metrics:     metrics,
		Dimensions:  dims,
		History:     history,
		Anomalies:   found,
		GeneratedAt: q.deps.Clock.Now(),
	}
	path, err := q.deps.Renderer.Render(ctx, doc)
	if err != nil {
		return client, generated{}, fmt.Errorf("render: %w", err)
	}
	return client, generated{Document: doc, path: path}, nil
}

// template resolves the job's template, falling back to the default one.
func (q *Queue) template(ctx context.Context, id string) (models.Template, error) {
	clients := q.deps.Repos.Clients
	if id != "" {
		t, err := clients.GetTemplate(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.Template{}, fmt.Errorf("load template %s: %w", id, err)
		}
	}
	t, err := clients.DefaultTemplate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return models.Template{}, errors.New("no template resolved and no default template configured")
	}
	if err != nil {
		return models.Template{}, fmt.Errorf("load default template: %w", err)
	}
	return t, nil
}

// collect aggregates every active data source. A failing source is logged,
// noted under connector_errors and skipped.
func (q *Queue) collect(ctx context.Context, log *logrus.Entry, job *models.ReportJob, client models.Client, period models.Period) (map[string]float64, []render.DimensionLine) {
	sources, err := q.deps.Repos.Clients.ActiveDataSources(ctx, client.ID)
	if err != nil {
		log.WithError(err).Warn("load data sources")
		return map[string]float64{}, nil
	}

	var rows []connector.MetricRow
	var dims []render.DimensionLine
	failures := map[string]string{}
	for _, ds := range sources {
		dlog := log.WithFields(logrus.Fields{"data_source": ds.ID, "kind": ds.Kind})
		cfg, err := q.deps.Secrets.OpenMap(ds.Config)
		if err != nil {
			dlog.WithError(err).Warn("open data source config")
			failures[ds.ID] = err.Error()
			continue
		}
		ds.Config = cfg
		conn, err := q.deps.Connectors.Build(ds)
		if err != nil {
			dlog.WithError(err).Warn("build connector")
			failures[ds.ID] = err.Error()
			continue
		}
		got, err := conn.FetchMetrics(ctx, period)
		if err != nil {
			dlog.WithError(err).Warn("fetch metrics")
			failures[ds.ID] = err.Error()
			continue
		}
		rows = append(rows, got...)

		breakdown, err := conn.FetchDimensions(ctx, period)
		if err != nil {
			dlog.WithError(err).Debug("fetch dimensions")
			continue
		}
		for _, d := range breakdown {
			dims = append(dims, render.DimensionLine{Dimension: d.Dimension, Key: d.Key, Metric: d.Metric, Value: d.Value})
		}
	}
	if len(failures) > 0 {
		if job.Meta.Extra == nil {
			job.Meta.Extra = map[string]any{}
		}
		job.Meta.Extra["connector_errors"] = failures
	}
	return connector.Aggregate(rows), dims
}

// history returns prior successful jobs' metrics, most recent first.
func (q *Queue) history(ctx context.Context, job models.ReportJob) ([]map[string]float64, error) {
	prior, err := q.deps.Repos.Reports.RecentSuccessful(ctx, job.ClientID, job.ID, q.opts.HistorySize)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]float64, 0, len(prior))
	for _, p := range prior {
		if len(p.Meta.Metrics) > 0 {
			out = append(out, p.Meta.Metrics)
		}
	}
	return out, nil
}

func (q *Queue) fail(ctx context.Context, log *logrus.Entry, base map[string]any, job models.ReportJob, cause error) models.ReportJob {
	now := q.deps.Clock.Now()
	job.Status = models.StatusFailed
	job.Meta.Error = cause.Error()
	job.Meta.FailedAt = &now
	log.WithError(cause).Warn("report job failed")
	stored, _ := q.save(ctx, log, base, job, models.StatusRunning)
	return stored
}

// save writes the job's status, storage path and the meta keys changed since
// base, provided the stored row is still in status from. It returns the row
// as stored, or job itself when the write failed.
func (q *Queue) save(ctx context.Context, log *logrus.Entry, base map[string]any, job models.ReportJob, from models.JobStatus) (models.ReportJob, bool) {
	patch, err := job.Meta.Changes(base)
	if err != nil {
		log.WithError(err).Error("diff report meta")
		return job, false
	}
	stored, applied, err := q.deps.Repos.Reports.PatchReport(context.WithoutCancel(ctx), job.ID, store.ReportPatch{
		From:        []models.JobStatus{from},
		Status:      job.Status,
		StoragePath: job.StoragePath,
		Meta:        patch,
	})
	if err != nil {
		log.WithError(err).WithField("status", job.Status).Error("persist report")
		return job, false
	}
	if !applied {
		log.WithFields(logrus.Fields{"status": job.Status, "stored_status": stored.Status}).Warn("report moved on while processing, keeping stored state")
		return stored, false
	}
	return stored, true
}

// completeSchedule stamps the owning schedule after the job reached a
// terminal state.
func (q *Queue) completeSchedule(ctx context.Context, log *logrus.Entry, job models.ReportJob) {
	if job.Meta.ScheduleID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	schedules := q.deps.Repos.Schedules
	now := q.deps.Clock.Now()

	next := job.Meta.ScheduleNextRunAt
	if next == nil {
		sc, err := schedules.GetSchedule(ctx, job.Meta.ScheduleID)
		if err != nil {
			log.WithError(err).WithField("schedule", job.Meta.ScheduleID).Warn("load schedule for completion")
			return
		}
		if sc.NextRunAt == nil || !sc.NextRunAt.After(now) {
			n := NextRunAt(sc.Frequency, sc.NextRunAt, now)
			next = &n
		}
	}
	if err := schedules.UpdateScheduleRun(ctx, job.Meta.ScheduleID, next, &now); err != nil {
		log.WithError(err).WithField("schedule", job.Meta.ScheduleID).Error("stamp schedule run")
	}
}

func (q *Queue) mail(ctx context.Context, log *logrus.Entry, job *models.ReportJob, client models.Client, doc generated, deadline time.Time) {
	if q.deps.Mailer == nil || len(client.ReportRecipients) == 0 {
		job.Meta.MailStatus = models.MailSkipped
		return
	}
	msg := mailer.Message{
		To:      client.ReportRecipients,
		Subject: fmt.Sprintf("Report for %s (%s)", client.Name, doc.Period.String()),
		HTML:    reportMailBody(client, doc),
	}
	if q.opts.StorageDir != "" {
		msg.Attach = []string{filepath.Join(q.opts.StorageDir, filepath.FromSlash(doc.path))}
	}
	retry := &mailer.Retry{
		Sender:   q.deps.Mailer,
		Attempts: q.opts.MailAttempts,
		Backoff:  q.opts.MailBackoff,
		Deadline: deadline,
		Clock:    q.deps.Clock,
		Log:      log,
	}
	attempts, err := retry.Send(ctx, msg)
	if err == nil {
		job.Meta.MailStatus = models.MailSent
		job.Meta.MailError = ""
		log.WithField("attempts", attempts).Info("report mailed")
		return
	}
	job.Meta.MailStatus = models.MailFailed
	job.Meta.MailError = err.Error()
	log.WithError(err).WithField("attempts", attempts).Error("report mail failed")
	if q.deps.Callout != nil {
		text := fmt.Sprintf("Report mail failed for %s (%s), job %s: %v", client.Name, doc.Period.String(), job.ID, err)
		if cerr := q.deps.Callout(context.WithoutCancel(ctx), text); cerr != nil {
			log.WithError(cerr).Warn("error callout failed")
		}
	}
}

func reportMailBody(client models.Client, doc generated) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>The report for <b>%s</b> covering %s is ready.</p>", html.EscapeString(client.Name), doc.Period.String())
	if n := len(doc.Anomalies); n > 0 {
		fmt.Fprintf(&b, "<p>%d anomalies were detected.</p>", n)
	}
	fmt.Fprintf(&b, "<p>Stored at <code>%s</code>.</p>", html.EscapeString(doc.path))
	return b.String()
}

func (q *Queue) notify(ctx context.Context, log *logrus.Entry, job *models.ReportJob, client models.Client, found []models.Anomaly) {
	if q.deps.Notifier == nil || len(found) == 0 {
		return
	}
	policy, err := notify.ParsePolicy(client.NotificationPolicy)
	if err != nil {
		log.WithError(err).Warn("invalid notification policy, using defaults")
		policy = notify.DefaultPolicy()
	}
	policy.Channels = q.openChannels(log, policy.Channels)

	res, err := q.deps.Notifier.Route(ctx, found, policy, notify.Entity{ID: client.ID, Name: client.Name, Timezone: client.Timezone}, job.Period())
	if err != nil {
		log.WithError(err).Error("route anomalies")
		return
	}
	job.Meta.Notification = res.Summary()
	if !res.Delivered() {
		return
	}
	ids := make([]string, 0, len(res.Eligible))
	for _, a := range res.Eligible {
		ids = append(ids, a.ID)
	}
	if err := q.deps.Repos.Anomalies.MarkNotified(context.WithoutCancel(ctx), ids); err != nil {
		log.WithError(err).Warn("mark anomalies notified")
	}
}

// openChannels decrypts channel secrets. A channel whose secrets cannot be
// opened is disabled for this call.
func (q *Queue) openChannels(log *logrus.Entry, channels map[string]notify.ChannelConfig) map[string]notify.ChannelConfig {
	out := make(map[string]notify.ChannelConfig, len(channels))
	for name, cfg := range channels {
		var err error
		for _, field := range []*string{&cfg.URL, &cfg.Token, &cfg.Secret, &cfg.Password} {
			if *field == "" {
				continue
			}
			if *field, err = q.deps.Secrets.Open(*field); err != nil {
				break
			}
		}
		if err != nil {
			log.WithError(err).WithField("channel", name).Warn("cannot open channel secrets, disabling channel")
			cfg.Enabled = false
		}
		out[name] = cfg
	}
	return out
}
