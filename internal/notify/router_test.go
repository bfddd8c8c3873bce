package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/models"
)

type fakeChannel struct {
	name string
	err  error

	mu    sync.Mutex
	calls []Notification
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, _ ChannelConfig, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	return f.err
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type routerFixture struct {
	router *Router
	mr     *miniredis.Miniredis
	clock  *clock.Mock
}

func newRouter(t *testing.T, channels ...Channel) routerFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := clock.NewMock(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	return routerFixture{router: NewRouter(NewRedisState(client), clk, quietLog(), channels...), mr: mr, clock: clk}
}

func chatPolicy() Policy {
	p := DefaultPolicy()
	p.Channels = map[string]ChannelConfig{ChannelChat: {Enabled: true, URL: "https://chat.example.com/hook"}}
	return p
}

var (
	entity = Entity{ID: "c1", Name: "Acme", Timezone: "UTC"}
	day    = models.NewPeriod(time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC))
)

func anomaly(metric, severity string) models.Anomaly {
	return models.Anomaly{ID: metric + "-" + severity, ClientID: entity.ID, Metric: metric, Severity: severity, DeltaPercent: -42, ZScore: -3.1}
}

func TestMuteWindowWraparound(t *testing.T) {
	p := Policy{MuteStart: "22:00", MuteEnd: "07:00"}
	at := func(hhmm string) time.Time {
		tm, err := time.Parse("15:04", hhmm)
		require.NoError(t, err)
		return time.Date(2024, 1, 10, tm.Hour(), tm.Minute(), 0, 0, time.UTC)
	}
	assert.True(t, p.Muted(at("23:30"), time.UTC))
	assert.True(t, p.Muted(at("03:00"), time.UTC))
	assert.True(t, p.Muted(at("22:00"), time.UTC))
	assert.False(t, p.Muted(at("12:00"), time.UTC))
	assert.False(t, p.Muted(at("07:00"), time.UTC))

	daytime := Policy{MuteStart: "09:00", MuteEnd: "17:00"}
	assert.True(t, daytime.Muted(at("12:00"), time.UTC))
	assert.False(t, daytime.Muted(at("17:00"), time.UTC))
	assert.False(t, Policy{MuteStart: "09:00", MuteEnd: "09:00"}.Muted(at("09:00"), time.UTC))
	assert.False(t, Policy{}.Muted(at("03:00"), time.UTC))

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 04:30 UTC is 23:30 the previous evening in New York.
	assert.True(t, p.Muted(time.Date(2024, 1, 10, 4, 30, 0, 0, time.UTC), ny))
}

func TestRouteMutedSendsNothing(t *testing.T) {
	chat := &fakeChannel{name: ChannelChat}
	f := newRouter(t, chat)
	f.clock.Set(time.Date(2024, 1, 10, 23, 30, 0, 0, time.UTC))
	p := chatPolicy()
	p.MuteStart, p.MuteEnd = "22:00", "07:00"

	res, err := f.router.Route(context.Background(), []models.Anomaly{anomaly("sessions", "critical")}, p, entity, day)
	require.NoError(t, err)
	assert.True(t, res.Muted)
	assert.Zero(t, chat.count())
	assert.False(t, f.mr.Exists("notify:digest:c1:sessions:critical"), "muted batches must not arm the digest")
}

func TestRouteEmptyBatchIsNoop(t *testing.T) {
	chat := &fakeChannel{name: ChannelChat}
	f := newRouter(t, chat)
	res, err := f.router.Route(context.Background(), nil, chatPolicy(), entity, day)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, chat.count())
}

func TestRouteDedupThenCooldown(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChannel{name: ChannelChat}
	f := newRouter(t, chat)
	p := chatPolicy()
	batch := []models.Anomaly{anomaly("sessions", "critical")}

	res, err := f.router.Route(ctx, batch, p, entity, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{ChannelChat: true}, res.Channels)
	assert.Len(t, res.Eligible, 1)

	f.clock.Advance(time.Second)
	f.mr.FastForward(time.Second)
	res, err = f.router.Route(ctx, batch, p, entity, day)
	require.NoError(t, err)
	assert.Equal(t, SkipDedup, res.Skipped)

	// Digest window over, cooldown still running.
	f.clock.Advance(16 * time.Minute)
	f.mr.FastForward(16 * time.Minute)
	require.False(t, f.mr.Exists("notify:digest:c1:sessions:critical"))
	res, err = f.router.Route(ctx, batch, p, entity, day)
	require.NoError(t, err)
	assert.Equal(t, SkipDedup, res.Skipped)
	assert.Equal(t, 1, chat.count())

	f.clock.Advance(time.Hour)
	f.mr.FastForward(time.Hour)
	res, err = f.router.Route(ctx, batch, p, entity, day)
	require.NoError(t, err)
	assert.True(t, res.Channels[ChannelChat])
	assert.Equal(t, 2, chat.count())
}

func TestRouteCollapsesDuplicatesInOneBatch(t *testing.T) {
	chat := &fakeChannel{name: ChannelChat}
	f := newRouter(t, chat)
	batch := []models.Anomaly{anomaly("sessions", "critical"), anomaly("sessions", "critical"), anomaly("sessions", "warning")}

	res, err := f.router.Route(context.Background(), batch, chatPolicy(), entity, day)
	require.NoError(t, err)
	assert.Len(t, res.Eligible, 2)
	require.Equal(t, 1, chat.count())
	assert.Len(t, chat.calls[0].Anomalies, 2)
}

func TestRouteRateCap(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChannel{name: ChannelChat}
	f := newRouter(t, chat)
	p := chatPolicy()
	p.MaxPerWindow = 2

	for _, metric := range []string{"sessions", "clicks"} {
		res, err := f.router.Route(ctx, []models.Anomaly{anomaly(metric, "warning")}, p, entity, day)
		require.NoError(t, err)
		require.True(t, res.Channels[ChannelChat])
	}
	res, err := f.router.Route(ctx, []models.Anomaly{anomaly("revenue", "warning")}, p, entity, day)
	require.NoError(t, err)
	assert.Equal(t, SkipWindowLimit, res.Skipped)
	assert.Equal(t, 2, chat.count(), "window limit must not call any channel")

	// Other entities have their own window.
	res, err = f.router.Route(ctx, []models.Anomaly{anomaly("revenue", "warning")}, p, Entity{ID: "c2"}, day)
	require.NoError(t, err)
	assert.True(t, res.Channels[ChannelChat])

	// The window expires after max(cooldown, digest).
	f.mr.FastForward(61 * time.Minute)
	res, err = f.router.Route(ctx, []models.Anomaly{anomaly("conversions", "warning")}, p, entity, day)
	require.NoError(t, err)
	assert.True(t, res.Channels[ChannelChat])
}

func TestRouteUnlimitedWindow(t *testing.T) {
	chat := &fakeChannel{name: ChannelChat}
	f := newRouter(t, chat)
	p := chatPolicy()
	p.MaxPerWindow = 0
	for i, metric := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		res, err := f.router.Route(context.Background(), []models.Anomaly{anomaly(metric, "info")}, p, entity, day)
		require.NoError(t, err)
		require.True(t, res.Channels[ChannelChat], "batch %d", i)
	}
}

func TestRouteAllChannelsFailLeavesNoCooldown(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChannel{name: ChannelChat, err: errors.New("503")}
	f := newRouter(t, chat)
	batch := []models.Anomaly{anomaly("sessions", "critical")}

	res, err := f.router.Route(ctx, batch, chatPolicy(), entity, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{ChannelChat: false}, res.Channels)
	assert.False(t, res.Delivered())
	assert.True(t, f.mr.Exists("notify:digest:c1:sessions:critical"), "digest stays armed after a failed send")
	assert.False(t, f.mr.Exists("notify:cooldown:c1:sessions:critical"))
	assert.False(t, f.mr.Exists("notify:window:c1"))

	// Once the digest window passes the same metric is eligible again.
	f.mr.FastForward(16 * time.Minute)
	chat.err = nil
	res, err = f.router.Route(ctx, batch, chatPolicy(), entity, day)
	require.NoError(t, err)
	assert.True(t, res.Channels[ChannelChat])
	assert.True(t, f.mr.Exists("notify:cooldown:c1:sessions:critical"))
}

func TestRouteChannelsAreIndependent(t *testing.T) {
	chat := &fakeChannel{name: ChannelChat, err: errors.New("timeout")}
	hook := &fakeChannel{name: ChannelWebhook}
	f := newRouter(t, chat, hook)
	p := DefaultPolicy()
	p.Channels = map[string]ChannelConfig{
		ChannelChat:    {Enabled: true},
		ChannelWebhook: {Enabled: true},
		ChannelSMS:     {Enabled: true},
		ChannelEmail:   {Enabled: false},
	}

	res, err := f.router.Route(context.Background(), []models.Anomaly{anomaly("sessions", "critical")}, p, entity, day)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{ChannelChat: false, ChannelWebhook: true, ChannelSMS: false}, res.Channels)
	assert.Equal(t, 1, hook.count())
	assert.True(t, f.mr.Exists("notify:cooldown:c1:sessions:critical"))
	n, err := f.mr.Get("notify:window:c1")
	require.NoError(t, err)
	assert.Equal(t, "1", n)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	p, err = ParsePolicy(json.RawMessage(`{"mute_start":"22:00","mute_end":"07:00","max_per_window":0,"channels":{"chat":{"enabled":true,"url":"https://x"}}}`))
	require.NoError(t, err)
	assert.Equal(t, 0, p.MaxPerWindow)
	assert.Equal(t, 15, p.DigestWindowMin)
	assert.Equal(t, 60, p.CooldownMin)
	assert.Equal(t, time.Hour, p.RateWindow())
	assert.Equal(t, []string{ChannelChat}, p.EnabledChannels())

	_, err = ParsePolicy(json.RawMessage(`{"mute_start":"25:00","mute_end":"07:00"}`))
	assert.Error(t, err)
	_, err = ParsePolicy(json.RawMessage(`{"channels":[]}`))
	assert.Error(t, err)
}

func TestMemoryStateMatchesRedisSemantics(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	s := NewMemoryState(clk)

	armed, err := s.ArmDigest(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, armed)
	armed, _ = s.ArmDigest(ctx, "k", time.Minute)
	assert.False(t, armed)

	n, _ := s.IncrWindow(ctx, "c1", time.Hour)
	assert.Equal(t, int64(1), n)
	n, _ = s.IncrWindow(ctx, "c1", time.Hour)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.SetCooldown(ctx, "k", 10*time.Minute))
	clk.Advance(2 * time.Minute)
	armed, _ = s.ArmDigest(ctx, "k", time.Minute)
	assert.True(t, armed)
	cooling, _ := s.InCooldown(ctx, "k")
	assert.True(t, cooling)

	clk.Advance(time.Hour)
	cooling, _ = s.InCooldown(ctx, "k")
	assert.False(t, cooling)
	count, _ := s.WindowCount(ctx, "c1")
	assert.Zero(t, count)
}
