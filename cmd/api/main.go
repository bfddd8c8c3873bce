package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"report-scheduler/internal/api"
	"report-scheduler/internal/app"
	"report-scheduler/internal/config"
	"report-scheduler/internal/logger"
	"report-scheduler/internal/ratelimit"
	"report-scheduler/internal/telemetry"
)

func main() {
	memory := flag.Bool("memory", false, "use in-memory repositories, leases and notification state")
	runTasks := flag.Bool("maintenance", true, "run maintenance tasks once a minute in this process")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logger.WithModule("main").WithError(err).Fatal("load config")
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}); err != nil {
		logger.WithModule("main").WithError(err).Fatal("init logger")
	}
	log := logger.WithModule("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, *memory)
	if err != nil {
		log.WithError(err).Fatal("build app")
	}
	defer a.Close()

	if a.Postgres != nil {
		if err := a.Postgres.RunMigrations(ctx); err != nil {
			log.WithError(err).Fatal("migrations")
		}
	}

	opts := []api.Option{api.WithJWTSecret(cfg.APIJWTSecret)}
	if a.Limiter != nil {
		opts = append(opts, api.WithLimiter(a.Limiter, ratelimit.ClientKey))
	}
	server := api.New(a.Queue, logger.WithModule("api"), opts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	if *runTasks {
		go a.Scheduler.Loop(ctx)
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("listen")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
