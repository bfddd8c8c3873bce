package models

import "time"

// Frequency is how often a recurring report runs.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Schedule is a recurring report definition. NextRunAt and LastRunAt are only
// written by the queue's dispatch and completion steps.
type Schedule struct {
	ID         string     `json:"id"`
	ClientID   string     `json:"client_id"`
	CronKey    string     `json:"cron_key"`
	Frequency  Frequency  `json:"frequency"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	Active     bool       `json:"active"`
	TemplateID *string    `json:"template_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
