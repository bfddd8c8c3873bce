package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt"
	"github.com/sirupsen/logrus"

	"report-scheduler/internal/models"
	"report-scheduler/internal/queue"
	"report-scheduler/internal/store"
	"report-scheduler/internal/telemetry"
)

// Queue is the part of *queue.Queue the HTTP surface drives.
type Queue interface {
	Tick(ctx context.Context) (queue.TickResult, error)
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (models.ReportJob, bool, error)
	ValidateManual(ctx context.Context, clientID string, period models.Period) (models.Client, error)
	GetReport(ctx context.Context, id string) (models.ReportJob, error)
	State() *queue.State
}

// Limiter is satisfied by *ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the trigger API.
type Server struct {
	queue     Queue
	limiter   Limiter
	limitKey  func(clientID string) string
	jwtSecret []byte
	log       *logrus.Entry
}

// Option customizes a Server.
type Option func(*Server)

// WithLimiter rate limits manual report requests per client.
func WithLimiter(l Limiter, key func(clientID string) string) Option {
	return func(s *Server) {
		s.limiter = l
		s.limitKey = key
	}
}

// WithJWTSecret requires an HS256 bearer token on the trigger routes.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.jwtSecret = []byte(secret)
		}
	}
}

// New constructs the API server.
func New(q Queue, log *logrus.Entry, opts ...Option) *Server {
	s := &Server{queue: q, log: log.WithField("component", "api"), limitKey: func(id string) string { return "rl:" + id }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/tick", s.handleTick)
		r.Post("/reports", s.handleEnqueue)
		r.Get("/reports/{id}", s.handleGetReport)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "last_tick": nil}
	if last := s.queue.State().LastTick(); !last.IsZero() {
		body["last_tick"] = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Tick(r.Context())
	if err != nil {
		s.log.WithError(err).Error("tick failed")
		writeError(w, http.StatusInternalServerError, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type enqueueRequest struct {
	ClientID    string `json:"client_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	TemplateID  string `json:"template_id"`
}

type enqueueResponse struct {
	Job     models.ReportJob `json:"job"`
	Period  models.Period    `json:"period"`
	Created bool             `json:"created"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	start, errStart := time.Parse(models.DateLayout, req.PeriodStart)
	end, errEnd := time.Parse(models.DateLayout, req.PeriodEnd)
	if errStart != nil || errEnd != nil {
		writeError(w, http.StatusBadRequest, "period_start and period_end must be YYYY-MM-DD")
		return
	}
	period := models.Period{Start: start, End: end}

	if _, err := s.queue.ValidateManual(r.Context(), req.ClientID, period); err != nil {
		switch {
		case errors.Is(err, queue.ErrInvalidPeriod):
			writeError(w, http.StatusBadRequest, "period_start must not be after period_end")
		case errors.Is(err, queue.ErrClientNotFound):
			writeError(w, http.StatusNotFound, "client not found")
		default:
			s.log.WithError(err).Error("validate report request")
			writeError(w, http.StatusInternalServerError, "validation failed")
		}
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), s.limitKey(req.ClientID))
		if err != nil {
			s.log.WithError(err).Error("rate limiter")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, created, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		ClientID:   req.ClientID,
		Period:     period,
		TemplateID: req.TemplateID,
		Origin:     "manual",
	})
	if err != nil {
		s.log.WithError(err).WithField("client", req.ClientID).Error("enqueue report")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Period: job.Period(), Created: created})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetReport(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("get report")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// authenticate checks the bearer token when a secret is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jwtSecret == nil {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		claims := &jwt.StandardClaims{}
		tkn, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil || !tkn.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
