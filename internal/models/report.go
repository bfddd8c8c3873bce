package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// JobStatus enumerates lifecycle states persisted in the reports table.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusFailed  JobStatus = "failed"
)

// Active reports whether the status still counts against the one-in-flight-job-per-period rule.
func (s JobStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// ReportJob is one unit of report work for a client and date range.
type ReportJob struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Status      JobStatus `json:"status"`
	StoragePath *string   `json:"storage_path,omitempty"`
	Meta        JobMeta   `json:"meta"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Mail delivery states recorded in JobMeta.MailStatus.
const (
	MailSent    = "sent"
	MailFailed  = "failed"
	MailSkipped = "skipped"
)

// JobMeta is the typed view of the reports.meta JSON column. Keys that are not
// modelled here survive a round trip through Extra.
type JobMeta struct {
	TemplateID        string               `json:"template_id,omitempty"`
	ScheduleID        string               `json:"schedule_id,omitempty"`
	ScheduleNextRunAt *time.Time           `json:"schedule_next_run_at,omitempty"`
	Origin            string               `json:"origin,omitempty"`
	QueuedAt          *time.Time           `json:"queued_at,omitempty"`
	StartedAt         *time.Time           `json:"started_at,omitempty"`
	FinishedAt        *time.Time           `json:"finished_at,omitempty"`
	LockContendedAt   *time.Time           `json:"lock_contended_at,omitempty"`
	Error             string               `json:"error,omitempty"`
	FailedAt          *time.Time           `json:"failed_at,omitempty"`
	Metrics           map[string]float64   `json:"metrics,omitempty"`
	Anomalies         int                  `json:"anomalies,omitempty"`
	MailStatus        string               `json:"mail_status,omitempty"`
	MailError         string               `json:"mail_error,omitempty"`
	Notification      *NotificationSummary `json:"notification,omitempty"`

	Extra map[string]any `json:"-"`
}

// NotificationSummary records what the router did for the job's anomalies.
type NotificationSummary struct {
	Channels map[string]bool `json:"channels,omitempty"`
	Muted    bool            `json:"muted,omitempty"`
	Skipped  string          `json:"skipped,omitempty"`
}

type jobMetaAlias JobMeta

var jobMetaKeys = func() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(jobMetaAlias{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}()

func (m JobMeta) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(jobMetaAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return raw, nil
	}
	out := make(map[string]any, len(m.Extra)+8)
	for k, v := range m.Extra {
		if !jobMetaKeys[k] {
			out[k] = v
		}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (m *JobMeta) UnmarshalJSON(data []byte) error {
	var alias jobMetaAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if jobMetaKeys[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		alias.Extra = all
	} else {
		alias.Extra = nil
	}
	*m = JobMeta(alias)
	return nil
}

// Merge overlays extra onto the metadata. Known keys update the typed fields,
// everything else lands in Extra. A nil value removes the key.
func (m *JobMeta) Merge(extra map[string]any) error {
	if len(extra) == 0 {
		return nil
	}
	combined, err := m.Snapshot()
	if err != nil {
		return err
	}
	for k, v := range extra {
		if v == nil {
			delete(combined, k)
			continue
		}
		combined[k] = v
	}
	raw, err := json.Marshal(combined)
	if err != nil {
		return err
	}
	var merged JobMeta
	if err := json.Unmarshal(raw, &merged); err != nil {
		return err
	}
	*m = merged
	return nil
}

// Snapshot returns the metadata as a detached JSON object.
func (m JobMeta) Snapshot() (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Changes returns the keys that differ from an earlier snapshot, shaped as a
// Merge patch: keys that disappeared map to nil.
func (m JobMeta) Changes(since map[string]any) (map[string]any, error) {
	now, err := m.Snapshot()
	if err != nil {
		return nil, err
	}
	patch := map[string]any{}
	for k, v := range now {
		if old, ok := since[k]; !ok || !reflect.DeepEqual(old, v) {
			patch[k] = v
		}
	}
	for k := range since {
		if _, ok := now[k]; !ok {
			patch[k] = nil
		}
	}
	return patch, nil
}
