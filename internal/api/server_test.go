package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/clock"
	"report-scheduler/internal/lock"
	"report-scheduler/internal/models"
	"report-scheduler/internal/queue"
	"report-scheduler/internal/ratelimit"
	"report-scheduler/internal/render"
	"report-scheduler/internal/store/memstore"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, doc render.Document) (string, error) {
	return "reports/" + doc.Client.ID + "/" + doc.JobID + ".html", nil
}

type fixture struct {
	srv *httptest.Server
	q   *queue.Queue
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	db := memstore.New(clk)
	db.PutClient(models.Client{ID: "c1", Name: "Acme"})
	db.PutTemplate(models.Template{ID: "default", Name: "default", IsDefault: true})
	q := queue.New(queue.Deps{
		Repos:    db.Repositories(),
		Locks:    lock.NewManager(lock.NewMemoryCache(clk), lock.NewMemoryStore(), clk, quietLog()),
		Renderer: stubRenderer{},
		Clock:    clk,
		Log:      quietLog(),
	}, queue.Options{})
	srv := httptest.NewServer(New(q, quietLog(), opts...).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, q: q}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestEnqueueAndPoll(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/reports", map[string]string{"client_id": "c1", "period_start": "2024-01-01", "period_end": "2024-01-07"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, map[string]any{"start": "2024-01-01", "end": "2024-01-07"}, body["period"])
	assert.Equal(t, true, body["created"])
	job := body["job"].(map[string]any)
	id := job["id"].(string)
	assert.Equal(t, "queued", job["status"])

	resp, body = f.do(t, http.MethodPost, "/reports", map[string]string{"client_id": "c1", "period_start": "2024-01-01", "period_end": "2024-01-07"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, id, body["job"].(map[string]any)["id"])

	resp, body = f.do(t, http.MethodPost, "/tick", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["job_id"])
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, false, body["contended"])

	resp, body = f.do(t, http.MethodGet, "/reports/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "reports/c1/"+id+".html", body["storage_path"])
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body any
		code int
	}{
		{"inverted period", map[string]string{"client_id": "c1", "period_start": "2024-01-07", "period_end": "2024-01-01"}, http.StatusBadRequest},
		{"bad date", map[string]string{"client_id": "c1", "period_start": "01/01/2024", "period_end": "2024-01-07"}, http.StatusBadRequest},
		{"missing client id", map[string]string{"period_start": "2024-01-01", "period_end": "2024-01-07"}, http.StatusBadRequest},
		{"unknown client", map[string]string{"client_id": "ghost", "period_start": "2024-01-01", "period_end": "2024-01-07"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/reports", tt.body, nil)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetUnknownReport(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/reports/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueRateLimitedPerClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := ratelimit.NewTokenBucket(client, clock.NewMock(time.Unix(1_700_000_000, 0)), 1, 0, time.Minute)
	f := newFixture(t, WithLimiter(bucket, ratelimit.ClientKey))

	resp, _ := f.do(t, http.MethodPost, "/reports", map[string]string{"client_id": "c1", "period_start": "2024-01-01", "period_end": "2024-01-01"}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/reports", map[string]string{"client_id": "c1", "period_start": "2024-01-02", "period_end": "2024-01-02"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthReportsLastTick(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, "ok", body["status"])
	assert.Nil(t, body["last_tick"])

	f.do(t, http.MethodPost, "/tick", nil, nil)
	_, body = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, "2024-01-10T08:00:00Z", body["last_tick"])
}

func TestBearerTokenRequiredWhenConfigured(t *testing.T) {
	f := newFixture(t, WithJWTSecret("s3cret"))

	resp, _ := f.do(t, http.MethodPost, "/tick", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{Subject: "cron"}).SignedString([]byte("wrong"))
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/tick", nil, http.Header{"Authorization": {"Bearer " + bad}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	good, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{Subject: "cron", ExpiresAt: time.Now().Add(time.Hour).Unix()}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/tick", nil, http.Header{"Authorization": {"Bearer " + good}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
