package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Tick loop
	TickIntervalMS int `env:"TICK_INTERVAL_MS" envDefault:"1000" validate:"min=100,max=60000"`
	TickBatchLimit int `env:"TICK_BATCH_LIMIT" envDefault:"512" validate:"min=1,max=10000"`
	TickCatchupCap int `env:"TICK_CATCHUP_CAP" envDefault:"64" validate:"min=1,max=1000"`

	// Leasing and workers
	DefaultVisibilitySec int     `env:"DEFAULT_VISIBILITY_SEC" envDefault:"60" validate:"min=1,max=3600"`
	WorkerConcurrency    int     `env:"WORKER_CONCURRENCY" envDefault:"5" validate:"min=1,max=100"`
	WorkerPollMS         int     `env:"WORKER_POLL_MS" envDefault:"1000" validate:"min=100,max=60000"`
	LeaseHeartbeatRatio  float64 `env:"LEASE_HEARTBEAT_RATIO" envDefault:"0.33" validate:"gt=0,lt=1"`

	// Retry defaults (overridable per task / per step)
	DefaultMaxAttempts    int     `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"5" validate:"min=1,max=20"`
	DefaultBaseDelayMS    int     `env:"DEFAULT_BASE_DELAY_MS" envDefault:"1000" validate:"min=1"`
	DefaultMaxDelayMS     int     `env:"DEFAULT_MAX_DELAY_MS" envDefault:"300000" validate:"min=1"`
	DefaultJitter         float64 `env:"DEFAULT_JITTER" envDefault:"0.2" validate:"gte=0,lte=1"`
	DefaultStepTimeoutSec int     `env:"DEFAULT_STEP_TIMEOUT_SEC" envDefault:"30" validate:"min=1,max=3600"`

	// Circuit breaker: consecutive dead runs before a task auto-pauses.
	// 0 disables the breaker.
	DeadRunsToPause int `env:"DEAD_RUNS_TO_PAUSE" envDefault:"3" validate:"min=0,max=100"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) TickInterval() time.Duration { return time.Duration(c.TickIntervalMS) * time.Millisecond }
func (c *Config) WorkerPoll() time.Duration   { return time.Duration(c.WorkerPollMS) * time.Millisecond }
func (c *Config) Visibility() time.Duration   { return time.Duration(c.DefaultVisibilitySec) * time.Second }
func (c *Config) BaseDelay() time.Duration    { return time.Duration(c.DefaultBaseDelayMS) * time.Millisecond }
func (c *Config) MaxDelay() time.Duration     { return time.Duration(c.DefaultMaxDelayMS) * time.Millisecond }
func (c *Config) StepTimeout() time.Duration  { return time.Duration(c.DefaultStepTimeoutSec) * time.Second }

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
