package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/metrics"
	"github.com/chronotask/chronotask/internal/repository"
)

// Reaper finishes off due-work abandoned by crashed workers. Rows whose
// lease expired with attempts remaining are re-selected by the lease query
// directly; the reaper only moves the exhausted ones to dead.
type Reaper struct {
	due      repository.DueWorkRepository
	clk      clock.Clock
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func NewReaper(due repository.DueWorkRepository, clk clock.Clock, logger *slog.Logger, interval time.Duration, batch int) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{
		due:      due,
		clk:      clk,
		logger:   logger.With("component", "reaper"),
		interval: interval,
		batch:    batch,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shut down")
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap runs one sweep. Exported so tests can drive it directly.
func (r *Reaper) Reap(ctx context.Context) {
	start := time.Now()
	n, err := r.due.DeadExpired(ctx, r.clk.Now(), r.batch)
	metrics.ReaperCycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("reap expired leases", "error", err)
		return
	}
	if n > 0 {
		metrics.ReaperDeadTotal.Add(float64(n))
		r.logger.Info("reaper moved exhausted due-work to dead", "count", n)
	}
}
