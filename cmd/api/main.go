package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronotask/chronotask/config"
	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/events"
	"github.com/chronotask/chronotask/internal/health"
	"github.com/chronotask/chronotask/internal/infrastructure/postgres"
	ctxlog "github.com/chronotask/chronotask/internal/log"
	"github.com/chronotask/chronotask/internal/metrics"
	httptransport "github.com/chronotask/chronotask/internal/transport/http"
	"github.com/chronotask/chronotask/internal/transport/http/handler"
	"github.com/chronotask/chronotask/internal/usecase"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		stop()
		log.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	metrics.Register()
	bus := events.NewBus(rdb, logger)
	checker := health.NewChecker(logger, prometheus.DefaultRegisterer).
		Add("postgres", pool).
		Add("redis", bus)

	clk := clock.System{}
	taskRepo := postgres.NewTaskRepository(pool, logger)
	dueRepo := postgres.NewDueWorkRepository(pool)
	runRepo := postgres.NewRunRepository(pool)

	taskUC := usecase.NewTaskUsecase(taskRepo, dueRepo, clk, bus, usecase.Defaults{
		MaxAttempts: cfg.DefaultMaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		MaxDelay:    cfg.MaxDelay(),
		Jitter:      cfg.DefaultJitter,
	})
	runUC := usecase.NewRunUsecase(runRepo, dueRepo)
	eventUC := usecase.NewEventUsecase(bus)

	taskHandler := handler.NewTaskHandler(taskUC, logger)
	runHandler := handler.NewRunHandler(runUC, logger)
	eventHandler := handler.NewEventHandler(eventUC, logger)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, taskHandler, runHandler, eventHandler),
	}
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("api server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
