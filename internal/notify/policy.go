package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"report-scheduler/internal/cronexpr"
)

// Policy defaults.
const (
	DefaultDigestWindowMin = 15
	DefaultCooldownMin     = 60
	DefaultMaxPerWindow    = 10
)

// ChannelConfig is one entry of a policy's routing map. Which fields are
// read depends on the channel.
type ChannelConfig struct {
	Enabled    bool     `json:"enabled"`
	Recipients []string `json:"recipients,omitempty"`
	URL        string   `json:"url,omitempty"`
	Token      string   `json:"token,omitempty"`
	ChatID     string   `json:"chat_id,omitempty"`
	Secret     string   `json:"secret,omitempty"`
	From       string   `json:"from,omitempty"`
	ServiceID  string   `json:"service_id,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	Title      string   `json:"title,omitempty"`
}

// Policy controls which anomalies reach which channels for one entity.
type Policy struct {
	MuteStart       string                   `json:"mute_start,omitempty"`
	MuteEnd         string                   `json:"mute_end,omitempty"`
	Timezone        string                   `json:"timezone,omitempty"`
	DigestWindowMin int                      `json:"digest_window_min"`
	CooldownMin     int                      `json:"cooldown_min"`
	MaxPerWindow    int                      `json:"max_per_window"`
	Channels        map[string]ChannelConfig `json:"channels,omitempty"`
}

// DefaultPolicy has no mute window and no channels.
func DefaultPolicy() Policy {
	return Policy{
		DigestWindowMin: DefaultDigestWindowMin,
		CooldownMin:     DefaultCooldownMin,
		MaxPerWindow:    DefaultMaxPerWindow,
	}
}

// ParsePolicy decodes raw over DefaultPolicy. Missing numeric fields keep
// their defaults; an explicit max_per_window of 0 means unlimited.
func ParsePolicy(raw json.RawMessage) (Policy, error) {
	p := DefaultPolicy()
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return DefaultPolicy(), fmt.Errorf("decode notification policy: %w", err)
	}
	if p.DigestWindowMin <= 0 {
		p.DigestWindowMin = DefaultDigestWindowMin
	}
	if p.CooldownMin <= 0 {
		p.CooldownMin = DefaultCooldownMin
	}
	if p.MaxPerWindow < 0 {
		p.MaxPerWindow = DefaultMaxPerWindow
	}
	for _, at := range []string{p.MuteStart, p.MuteEnd} {
		if at == "" {
			continue
		}
		if _, _, err := cronexpr.ParseClock(at); err != nil {
			return DefaultPolicy(), fmt.Errorf("notification policy mute window: %w", err)
		}
	}
	return p, nil
}

func (p Policy) DigestWindow() time.Duration { return time.Duration(p.DigestWindowMin) * time.Minute }

func (p Policy) Cooldown() time.Duration { return time.Duration(p.CooldownMin) * time.Minute }

// RateWindow is max(cooldown, digest window).
func (p Policy) RateWindow() time.Duration {
	if p.Cooldown() > p.DigestWindow() {
		return p.Cooldown()
	}
	return p.DigestWindow()
}

// Location resolves the policy timezone, then fallback, then UTC.
func (p Policy) Location(fallback string) *time.Location {
	for _, name := range []string{p.Timezone, fallback} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Muted reports whether now, read in loc, falls in [mute_start, mute_end).
// A window whose end is before its start wraps past midnight. An unset or
// empty window never mutes.
func (p Policy) Muted(now time.Time, loc *time.Location) bool {
	if p.MuteStart == "" || p.MuteEnd == "" {
		return false
	}
	sh, sm, err := cronexpr.ParseClock(p.MuteStart)
	if err != nil {
		return false
	}
	eh, em, err := cronexpr.ParseClock(p.MuteEnd)
	if err != nil {
		return false
	}
	start, end := sh*60+sm, eh*60+em
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return false
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

// EnabledChannels lists enabled channel names in a stable order.
func (p Policy) EnabledChannels() []string {
	var out []string
	for _, name := range channelOrder {
		if cfg, ok := p.Channels[name]; ok && cfg.Enabled {
			out = append(out, name)
		}
	}
	return out
}
