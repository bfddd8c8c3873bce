// Package app assembles the queue, scheduler and maintenance tasks from
// configuration, against Postgres and Redis or fully in memory.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"report-scheduler/internal/anomaly"
	"report-scheduler/internal/clock"
	"report-scheduler/internal/config"
	"report-scheduler/internal/connector"
	"report-scheduler/internal/lock"
	"report-scheduler/internal/logger"
	"report-scheduler/internal/mailer"
	"report-scheduler/internal/maintenance"
	"report-scheduler/internal/notify"
	"report-scheduler/internal/queue"
	"report-scheduler/internal/ratelimit"
	"report-scheduler/internal/render"
	"report-scheduler/internal/scheduler"
	"report-scheduler/internal/secrets"
	"report-scheduler/internal/storage"
	"report-scheduler/internal/store"
	"report-scheduler/internal/store/memstore"
)

// App holds every long-lived component of one process.
type App struct {
	Config     config.Config
	Clock      clock.Clock
	Repos      store.Repositories
	Postgres   *store.Postgres
	Memory     *memstore.Store
	Redis      redis.UniversalClient
	Locks      *lock.Manager
	Queue      *queue.Queue
	Scheduler  *scheduler.Scheduler
	Connectors *connector.Registry
	Secrets    *secrets.Box
	Limiter    *ratelimit.TokenBucket

	closers []func()
}

// Build connects to the backends named in cfg. With memory set, repositories,
// leases and notification state live in process and a demo client is seeded.
func Build(ctx context.Context, cfg config.Config, memory bool) (*App, error) {
	log := logger.WithModule("app")
	a := &App{Config: cfg, Clock: clock.Real{}, Connectors: connector.DefaultRegistry()}
	a.Secrets = secrets.New(cfg.SecretsKey, log)

	var (
		leaseCache lock.Cache
		leaseStore lock.Store
		sweeper    store.LockSweeper
		state      notify.State
	)
	if memory {
		a.Memory = memstore.New(a.Clock)
		seedDemo(a.Memory, a.Clock.Now())
		a.Repos = a.Memory.Repositories()
		mem := lock.NewMemoryStore()
		leaseCache, leaseStore, sweeper = lock.NewMemoryCache(a.Clock), mem, mem
		state = notify.NewMemoryState(a.Clock)
	} else {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Postgres = pg
		a.Repos = pg.Repositories()
		leaseStore, sweeper = pg, pg

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rdb
		leaseCache = lock.NewRedisCache(rdb)
		state = notify.NewRedisState(rdb)
		a.Limiter = ratelimit.NewTokenBucket(rdb, a.Clock, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	a.Locks = lock.NewManager(leaseCache, leaseStore, a.Clock, logger.WithModule("lock"))

	uploader, err := storage.New(ctx, storage.Config{
		Dir:         cfg.StorageDir,
		S3Bucket:    cfg.S3Bucket,
		S3Region:    cfg.S3Region,
		S3Endpoint:  cfg.S3Endpoint,
		S3PathStyle: cfg.S3PathStyle,
	}, logger.WithModule("storage"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var sender mailer.Sender
	if cfg.SMTPEnabled() {
		sender = mailer.NewSMTP(mailer.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
	}
	router := notify.NewRouter(state, a.Clock, logger.WithModule("notify"), notify.DefaultChannels(sender)...)
	router.DefaultTimezone = cfg.DefaultTimezone

	a.Queue = queue.New(queue.Deps{
		Repos:      a.Repos,
		Locks:      a.Locks,
		Connectors: a.Connectors,
		Detector:   anomaly.NewZScore(),
		Renderer:   render.NewHTML(uploader),
		Notifier:   router,
		Mailer:     sender,
		Secrets:    a.Secrets,
		Callout:    errorCallout(cfg.ErrorWebhookURL),
		Clock:      a.Clock,
		Log:        logger.WithModule("queue"),
	}, queue.Options{
		LockTTL:         cfg.QueueLockTTL,
		HistorySize:     cfg.HistorySize,
		DefaultTimezone: cfg.DefaultTimezone,
		MailAttempts:    cfg.MailAttempts,
		MailBackoff:     cfg.MailBackoff,
		ExecutionBudget: cfg.ExecutionBudget,
		StorageDir:      cfg.StorageDir,
	})

	a.Scheduler = scheduler.New(a.Clock, logger.WithModule("scheduler"))
	maintenance.New(a.Repos, sweeper, a.Locks, a.Clock, maintenance.Options{
		ReportRetention:  cfg.ReportRetention,
		AnomalyRetention: cfg.AnomalyRetention,
		LockTTL:          cfg.QueueLockTTL,
	}, logger.WithModule("maintenance")).Register(a.Scheduler)
	return a, nil
}

// errorCallout posts operational failures to a chat webhook when configured.
func errorCallout(url string) queue.Callout {
	if url == "" {
		return nil
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, text string) error {
		return notify.PostChat(ctx, client, url, "report-scheduler error", text)
	}
}

// Close releases backend connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Ping checks the configured backends.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	if a.Postgres != nil {
		if err := a.Postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// TestConnections checks every active data source of a client.
func (a *App) TestConnections(ctx context.Context, clientID string) (map[string]error, error) {
	sources, err := a.Repos.Clients.ActiveDataSources(ctx, clientID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]error, len(sources))
	for _, ds := range sources {
		cfg, err := a.Secrets.OpenMap(ds.Config)
		if err != nil {
			out[ds.ID] = err
			continue
		}
		ds.Config = cfg
		conn, err := a.Connectors.Build(ds)
		if err != nil {
			out[ds.ID] = err
			continue
		}
		out[ds.ID] = conn.TestConnection(ctx)
	}
	return out, nil
}
