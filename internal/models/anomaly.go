package models

import "time"

// Severity levels emitted by the detector.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Anomaly is one detected deviation of a metric for a report period.
type Anomaly struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	ReportID     string    `json:"report_id,omitempty"`
	Metric       string    `json:"metric"`
	Severity     string    `json:"severity"`
	Value        float64   `json:"value"`
	Baseline     float64   `json:"baseline"`
	DeltaPercent float64   `json:"delta_percent"`
	ZScore       float64   `json:"z_score"`
	DetectedAt   time.Time `json:"detected_at"`
	Notified     bool      `json:"notified"`
}

// Lock is a row of the locks table. Presence of the row means the lease is held.
type Lock struct {
	Key        string    `json:"lock_key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}
