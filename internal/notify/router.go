// Package notify decides which detected anomalies are delivered and fans
// them out to the channels a client's policy enables.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/models"
	"report-scheduler/internal/telemetry"
)

// Skip reasons reported in Result.Skipped.
const (
	SkipDedup       = "dedup"
	SkipWindowLimit = "window_limit"
)

// Entity is the subject of a notification, normally a client.
type Entity struct {
	ID       string
	Name     string
	Timezone string
}

// Result describes what Route did.
type Result struct {
	Channels map[string]bool `json:"channels,omitempty"`
	Muted    bool            `json:"muted,omitempty"`
	Skipped  string          `json:"skipped,omitempty"`
	// Eligible holds the anomalies that passed dedup and cooldown.
	Eligible []models.Anomaly `json:"-"`
}

// Delivered reports whether any channel accepted the notification.
func (r Result) Delivered() bool {
	for _, ok := range r.Channels {
		if ok {
			return true
		}
	}
	return false
}

// Summary converts the result into the job metadata shape.
func (r Result) Summary() *models.NotificationSummary {
	return &models.NotificationSummary{Channels: r.Channels, Muted: r.Muted, Skipped: r.Skipped}
}

// Router applies a Policy to anomaly batches.
type Router struct {
	state    State
	clock    clock.Clock
	log      *logrus.Entry
	mu       sync.RWMutex
	channels map[string]Channel
	// DefaultTimezone applies when neither policy nor entity name one.
	DefaultTimezone string
}

func NewRouter(state State, clk clock.Clock, log *logrus.Entry, channels ...Channel) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Router{state: state, clock: clk, log: log.WithField("component", "notify"), channels: make(map[string]Channel)}
	for _, c := range channels {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a channel implementation.
func (r *Router) Register(c Channel) {
	r.mu.Lock()
	r.channels[c.Name()] = c
	r.mu.Unlock()
}

func (r *Router) channel(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	return c, ok
}

// DedupKey identifies an anomaly for digest and cooldown purposes.
func DedupKey(entityID string, a models.Anomaly) string {
	return entityID + ":" + a.Metric + ":" + a.Severity
}

// Route filters anomalies through mute, dedup, cooldown and the rate cap,
// then delivers the survivors. Channel failures are reported in the result;
// the returned error covers state store failures only.
func (r *Router) Route(ctx context.Context, anomalies []models.Anomaly, policy Policy, entity Entity, period models.Period) (Result, error) {
	if len(anomalies) == 0 {
		return Result{}, nil
	}
	log := r.log.WithField("entity", entity.ID)

	tz := entity.Timezone
	if tz == "" {
		tz = r.DefaultTimezone
	}
	if policy.Muted(r.clock.Now(), policy.Location(tz)) {
		log.Info("inside mute window, not notifying")
		telemetry.NotificationSkips.WithLabelValues("muted").Inc()
		return Result{Muted: true}, nil
	}

	var eligible []models.Anomaly
	for _, a := range anomalies {
		key := DedupKey(entity.ID, a)
		cooling, err := r.state.InCooldown(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("check cooldown %s: %w", key, err)
		}
		if cooling {
			continue
		}
		// Armed before delivery and kept even if every channel fails.
		armed, err := r.state.ArmDigest(ctx, key, policy.DigestWindow())
		if err != nil {
			return Result{}, fmt.Errorf("arm digest %s: %w", key, err)
		}
		if armed {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		telemetry.NotificationSkips.WithLabelValues(SkipDedup).Inc()
		return Result{Skipped: SkipDedup}, nil
	}

	if policy.MaxPerWindow > 0 {
		sent, err := r.state.WindowCount(ctx, entity.ID)
		if err != nil {
			return Result{}, fmt.Errorf("read send window: %w", err)
		}
		if sent >= int64(policy.MaxPerWindow) {
			log.WithField("sent", sent).Info("send window full, not notifying")
			telemetry.NotificationSkips.WithLabelValues(SkipWindowLimit).Inc()
			return Result{Skipped: SkipWindowLimit, Eligible: eligible}, nil
		}
	}

	n := BuildNotification(entity, period, eligible)
	res := Result{Channels: map[string]bool{}, Eligible: eligible}
	for _, name := range policy.EnabledChannels() {
		res.Channels[name] = r.deliver(ctx, log, name, policy.Channels[name], n)
	}

	if !res.Delivered() {
		log.Warn("every channel failed, cooldown not armed")
		return res, nil
	}
	if _, err := r.state.IncrWindow(ctx, entity.ID, policy.RateWindow()); err != nil {
		return res, fmt.Errorf("bump send window: %w", err)
	}
	for _, a := range eligible {
		if err := r.state.SetCooldown(ctx, DedupKey(entity.ID, a), policy.Cooldown()); err != nil {
			return res, fmt.Errorf("set cooldown: %w", err)
		}
	}
	return res, nil
}

func (r *Router) deliver(ctx context.Context, log *logrus.Entry, name string, cfg ChannelConfig, n Notification) (ok bool) {
	c, found := r.channel(name)
	if !found {
		log.WithField("channel", name).Warn("channel enabled in policy but not configured")
		telemetry.Notifications.WithLabelValues(name, "unavailable").Inc()
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("channel", name).Errorf("channel panicked: %v", rec)
			ok = false
		}
		result := "success"
		if !ok {
			result = "failure"
		}
		telemetry.Notifications.WithLabelValues(name, result).Inc()
	}()
	if err := c.Send(ctx, cfg, n); err != nil {
		log.WithError(err).WithField("channel", name).Warn("notification delivery failed")
		return false
	}
	return true
}

// Notification is the rendered content handed to every channel.
type Notification struct {
	Entity    Entity
	Period    models.Period
	Anomalies []models.Anomaly
	Subject   string
	Text      string
}

// WebhookPayload is the structured body of the signed webhook.
type WebhookPayload struct {
	Client    WebhookClient    `json:"client"`
	Period    models.Period    `json:"period"`
	Anomalies []models.Anomaly `json:"anomalies"`
}

type WebhookClient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (n Notification) Payload() WebhookPayload {
	return WebhookPayload{
		Client:    WebhookClient{ID: n.Entity.ID, Name: n.Entity.Name},
		Period:    n.Period,
		Anomalies: n.Anomalies,
	}
}

// BuildNotification writes one plain summary covering every anomaly.
func BuildNotification(entity Entity, period models.Period, anomalies []models.Anomaly) Notification {
	name := entity.Name
	if name == "" {
		name = entity.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d anomalies for %s (%s)\n", len(anomalies), name, period)
	for _, a := range anomalies {
		fmt.Fprintf(&b, "- %s [%s] %+.1f%% (z=%.2f)\n", a.Metric, a.Severity, a.DeltaPercent, a.ZScore)
	}
	return Notification{
		Entity:    entity,
		Period:    period,
		Anomalies: anomalies,
		Subject:   fmt.Sprintf("Anomalies detected for %s (%s)", name, period),
		Text:      b.String(),
	}
}
