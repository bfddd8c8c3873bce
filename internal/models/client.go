package models

import (
	"encoding/json"
	"time"
)

// Client is a reporting customer.
type Client struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Timezone         string   `json:"timezone"`
	ReportRecipients []string `json:"report_recipients"`
	// NotificationPolicy is the raw routing policy, decoded by the notify package.
	NotificationPolicy json.RawMessage `json:"notification_policy,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Location resolves the client's timezone, falling back to fallback and then UTC.
func (c Client) Location(fallback string) *time.Location {
	for _, name := range []string{c.Timezone, fallback} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// DataSource binds a client to a connector kind (ga4, search_console, ads, csv).
type DataSource struct {
	ID       string            `json:"id"`
	ClientID string            `json:"client_id"`
	Kind     string            `json:"kind"`
	Name     string            `json:"name"`
	Config   map[string]string `json:"config"`
	Active   bool              `json:"active"`
}

// Template selects the report layout.
type Template struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Body      string `json:"body"`
	IsDefault bool   `json:"is_default"`
}
