package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/metrics"
	"github.com/chronotask/chronotask/internal/repository"
	"github.com/chronotask/chronotask/internal/schedule"
)

// Tick is the scheduler loop: every interval it advances due task cursors
// and materializes due-work rows. One instance is active per deployment,
// guarded by the store's leader lock; losers sleep and retry, so a died
// leader is replaced within a tick.
type Tick struct {
	tasks      repository.TaskRepository
	leader     repository.Leader
	clk        clock.Clock
	logger     *slog.Logger
	interval   time.Duration
	batchLimit int
	catchupCap int
}

type TickConfig struct {
	Interval   time.Duration
	BatchLimit int
	CatchupCap int
}

func NewTick(tasks repository.TaskRepository, leader repository.Leader, clk clock.Clock, logger *slog.Logger, cfg TickConfig) *Tick {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 512
	}
	if cfg.CatchupCap <= 0 {
		cfg.CatchupCap = 64
	}
	return &Tick{
		tasks:      tasks,
		leader:     leader,
		clk:        clk,
		logger:     logger.With("component", "tick"),
		interval:   cfg.Interval,
		batchLimit: cfg.BatchLimit,
		catchupCap: cfg.CatchupCap,
	}
}

func (t *Tick) Start(ctx context.Context) {
	t.logger.Info("tick loop started", "interval", t.interval)
	defer func() {
		if err := t.leader.Unlead(context.Background()); err != nil {
			t.logger.Error("release leadership", "error", err)
		}
		t.logger.Info("tick loop shut down")
	}()

	timer := time.NewTimer(t.jittered())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.Once(ctx)
			timer.Reset(t.jittered())
		}
	}
}

// jittered spreads ticks ±10% so replicas racing on the same store do not
// stampede it in lockstep.
func (t *Tick) jittered() time.Duration {
	return time.Duration(float64(t.interval) * (0.9 + 0.2*rand.Float64()))
}

// Once runs a single tick. Exported so tests can drive simulated time.
func (t *Tick) Once(ctx context.Context) {
	lead, err := t.leader.TryLead(ctx)
	if err != nil {
		t.logger.Error("leader check", "error", err)
		return
	}
	if !lead {
		return
	}

	start := time.Now()
	fired, err := t.tasks.ClaimAndFire(ctx, t.clk.Now(), t.batchLimit, t.plan)
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Cursor conflicts from a racing tick are expected and retried on
		// the next tick; everything else is logged the same way.
		t.logger.Error("tick claim and fire", "error", err)
		return
	}
	if len(fired) > 0 {
		metrics.DueWorkEnqueued.Add(float64(len(fired)))
		t.logger.Info("tick fired due-work", "count", len(fired))
	}
}

// plan advances one due task's cursor per its catchup policy and decides
// which due-work rows to insert. Pure: all store writes happen inside the
// ClaimAndFire transaction.
func (t *Tick) plan(task *domain.Task) repository.FirePlan {
	now := t.clk.Now()
	last := *task.NextFire

	next, err := schedule.NextAfter(task.ScheduleKind, task.ScheduleExpr, task.Timezone, task.CreatedAt, last)
	if err != nil {
		// Expressions are validated on create; this should never happen.
		// Push the cursor out an hour so one bad row cannot wedge the loop.
		t.logger.Error("schedule expression failed during tick",
			"task_id", task.ID, "kind", task.ScheduleKind, "expr", task.ScheduleExpr, "error", err)
		fallback := now.Add(time.Hour)
		return repository.FirePlan{LastFire: task.LastFire, NextFire: &fallback}
	}

	switch task.CatchupPolicy {
	case domain.CatchupFireAllMissed:
		fires := []time.Time{last}
		for next != nil && !next.After(now) && len(fires) < t.catchupCap {
			fires = append(fires, *next)
			last = *next
			next, err = schedule.NextAfter(task.ScheduleKind, task.ScheduleExpr, task.Timezone, task.CreatedAt, last)
			if err != nil {
				break
			}
		}
		return repository.FirePlan{Fires: fires, LastFire: &last, NextFire: next}

	case domain.CatchupSkipAll:
		for next != nil && !next.After(now) {
			last = *next
			next, err = schedule.NextAfter(task.ScheduleKind, task.ScheduleExpr, task.Timezone, task.CreatedAt, last)
			if err != nil {
				break
			}
		}
		return repository.FirePlan{LastFire: &last, NextFire: next}

	default: // fire_latest_only
		for next != nil && !next.After(now) {
			last = *next
			next, err = schedule.NextAfter(task.ScheduleKind, task.ScheduleExpr, task.Timezone, task.CreatedAt, last)
			if err != nil {
				break
			}
		}
		return repository.FirePlan{Fires: []time.Time{last}, LastFire: &last, NextFire: next}
	}
}
