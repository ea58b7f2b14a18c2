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
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/events"
	"github.com/chronotask/chronotask/internal/health"
	"github.com/chronotask/chronotask/internal/infrastructure/postgres"
	ctxlog "github.com/chronotask/chronotask/internal/log"
	"github.com/chronotask/chronotask/internal/metrics"
	"github.com/chronotask/chronotask/internal/pipeline"
	"github.com/chronotask/chronotask/internal/scheduler"
	"github.com/chronotask/chronotask/internal/tool"
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
	logger.Info("db connected")

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
	leader := postgres.NewLeader(pool, "scheduler-leader")

	catalog := tool.NewRegistryWithBuiltins(logger)

	executor := pipeline.NewExecutor(catalog, clk, logger, pipeline.Config{
		DefaultStepTimeout: cfg.StepTimeout(),
		DefaultRetry: domain.RetryPolicy{
			MaxAttempts: cfg.DefaultMaxAttempts,
			BaseDelay:   cfg.BaseDelay(),
			MaxDelay:    cfg.MaxDelay(),
			JitterRatio: cfg.DefaultJitter,
		},
	})

	tick := scheduler.NewTick(taskRepo, leader, clk, logger, scheduler.TickConfig{
		Interval:   cfg.TickInterval(),
		BatchLimit: cfg.TickBatchLimit,
		CatchupCap: cfg.TickCatchupCap,
	})
	go tick.Start(ctx)

	worker := scheduler.NewWorker(taskRepo, dueRepo, runRepo, executor, bus, clk, logger, scheduler.WorkerConfig{
		PollInterval:    cfg.WorkerPoll(),
		Concurrency:     cfg.WorkerConcurrency,
		Visibility:      cfg.Visibility(),
		HeartbeatRatio:  cfg.LeaseHeartbeatRatio,
		DeadRunsToPause: cfg.DeadRunsToPause,
	})
	go worker.Start(ctx)

	reaper := scheduler.NewReaper(dueRepo, clk, logger, 30*time.Second, 100)
	go reaper.Start(ctx)

	consumer := events.NewConsumer(rdb, worker.ID(), taskRepo, dueRepo, clk, logger)
	go consumer.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("orchestrator shut down")
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
