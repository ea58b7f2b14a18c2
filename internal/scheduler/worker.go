package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	ctxlog "github.com/chronotask/chronotask/internal/log"
	"github.com/chronotask/chronotask/internal/metrics"
	"github.com/chronotask/chronotask/internal/pipeline"
	"github.com/chronotask/chronotask/internal/repository"
	"github.com/sony/gobreaker"
)

// Publisher is the slice of the event bus the worker needs: announcing run
// outcomes to the audit log.
type Publisher interface {
	PublishAudit(ctx context.Context, kind string, fields map[string]any) error
}

type WorkerConfig struct {
	PollInterval   time.Duration
	Concurrency    int
	Visibility     time.Duration
	HeartbeatRatio float64
	// DeadRunsToPause trips the per-task breaker that auto-pauses a task
	// after this many consecutive dead outcomes. 0 disables.
	DeadRunsToPause int
}

// Worker pulls leases off the due-work queue, runs each pipeline, records
// the run and releases the lease.
type Worker struct {
	id       string
	tasks    repository.TaskRepository
	due      repository.DueWorkRepository
	runs     repository.RunRepository
	executor *pipeline.Executor
	events   Publisher
	clk      clock.Clock
	logger   *slog.Logger
	cfg      WorkerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWorker(
	tasks repository.TaskRepository,
	due repository.DueWorkRepository,
	runs repository.RunRepository,
	executor *pipeline.Executor,
	events Publisher,
	clk clock.Clock,
	logger *slog.Logger,
	cfg WorkerConfig,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 60 * time.Second
	}
	if cfg.HeartbeatRatio <= 0 || cfg.HeartbeatRatio >= 1 {
		cfg.HeartbeatRatio = 1.0 / 3
	}
	hostname, _ := os.Hostname()
	return &Worker{
		id:       fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		tasks:    tasks,
		due:      due,
		runs:     runs,
		executor: executor,
		events:   events,
		clk:      clk,
		logger:   logger.With("component", "worker"),
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (w *Worker) ID() string { return w.id }

// SetID overrides the derived worker id. Tests racing multiple workers in
// one process need distinct owners.
func (w *Worker) SetID(id string) { w.id = id }

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", "worker_id", w.id, "concurrency", w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shut down", "worker_id", w.id)
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims up to concurrency leases and runs them to completion.
// Exported so tests can drive the worker without its poll loop.
func (w *Worker) ProcessBatch(ctx context.Context) {
	claimed, err := w.due.Lease(ctx, w.id, w.clk.Now(), w.cfg.Visibility, w.cfg.Concurrency)
	if err != nil {
		w.logger.Error("lease due-work", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	metrics.LeasesClaimed.Add(float64(len(claimed)))

	var wg sync.WaitGroup
	for _, work := range claimed {
		wg.Add(1)
		go func(work *domain.DueWork) {
			defer wg.Done()
			w.runWork(ctx, work)
		}(work)
	}
	wg.Wait()
}

func (w *Worker) runWork(ctx context.Context, work *domain.DueWork) {
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	ctx = ctxlog.WithRun(ctx, work.TaskID, work.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, work.ID)

	task, err := w.tasks.GetByID(ctx, work.TaskID)
	if err != nil {
		w.logger.Error("load task for due-work", "due_work_id", work.ID, "task_id", work.TaskID, "error", err)
		w.release(ctx, work, nil, domain.OutcomePermanentError, fmt.Sprintf("load task: %v", err))
		return
	}

	w.logger.Info("executing pipeline",
		"worker_id", w.id, "due_work_id", work.ID, "task_id", task.ID, "attempt", work.Attempt)

	canceled := func() bool {
		cur, err := w.due.GetByID(ctx, work.ID)
		if err != nil {
			return false
		}
		return cur.CancelRequested
	}

	started := w.clk.Now()
	result := w.executor.Run(ctx, task, work.ScheduledAt, canceled)

	run := &domain.Run{
		DueWorkID:  work.ID,
		TaskID:     task.ID,
		Attempt:    work.Attempt,
		WorkerID:   w.id,
		StartedAt:  started,
		FinishedAt: w.clk.Now(),
		Outcome:    result.Outcome,
		Steps:      result.Steps,
		VarsDigest: result.VarsDigest,
		Error:      result.Err,
	}

	w.release(ctx, work, task, result.Outcome, result.Err)

	if _, err := w.runs.Create(ctx, run); err != nil {
		w.logger.Error("write run record", "due_work_id", work.ID, "error", err)
	}
	metrics.RunsTotal.WithLabelValues(string(result.Outcome)).Inc()

	if w.events != nil {
		_ = w.events.PublishAudit(ctx, "run.finished", map[string]any{
			"task_id":     task.ID,
			"due_work_id": work.ID,
			"attempt":     work.Attempt,
			"outcome":     string(result.Outcome),
		})
	}
}

// release picks the lease release path for the outcome. Store errors here
// mean the lease is abandoned; the visibility timeout reclaims the row.
func (w *Worker) release(ctx context.Context, work *domain.DueWork, task *domain.Task, outcome domain.Outcome, errMsg string) {
	var err error
	switch outcome {
	case domain.OutcomeSuccess:
		err = w.due.Complete(ctx, work.ID, w.id)
		if task != nil {
			w.recordBreaker(ctx, task, false)
		}

	case domain.OutcomeCanceled:
		// Terminal, no retry; failed rather than dead so canceled rows are
		// distinguishable from exhausted ones.
		err = w.due.Fail(ctx, work.ID, w.id)

	case domain.OutcomeRetryableError:
		if work.Attempt < work.MaxAttempts {
			policy := domain.RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, JitterRatio: 0.2}
			if task != nil {
				policy.BaseDelay = task.BaseDelay
				policy.MaxDelay = task.MaxDelay
				policy.JitterRatio = task.Jitter
			}
			notBefore := w.clk.Now().Add(pipeline.RetryDelay(policy, work.Attempt))
			err = w.due.Retry(ctx, work.ID, w.id, notBefore)
			w.logger.Info("due-work rescheduled",
				"due_work_id", work.ID, "attempt", work.Attempt, "max_attempts", work.MaxAttempts, "not_before", notBefore)
		} else {
			err = w.due.Dead(ctx, work.ID, w.id)
			if task != nil {
				w.recordBreaker(ctx, task, true)
			}
		}

	default: // permanent error
		err = w.due.Dead(ctx, work.ID, w.id)
		if task != nil {
			w.recordBreaker(ctx, task, true)
		}
	}

	if err != nil {
		w.logger.Error("release lease", "due_work_id", work.ID, "outcome", outcome, "error", err)
	}
	if errMsg != "" {
		w.logger.Warn("pipeline finished with error",
			"due_work_id", work.ID, "outcome", outcome, "error", errMsg)
	}
}

// recordBreaker feeds the per-task circuit breaker; tripping it auto-pauses
// the task until an operator resumes it.
func (w *Worker) recordBreaker(ctx context.Context, task *domain.Task, dead bool) {
	if w.cfg.DeadRunsToPause <= 0 {
		return
	}
	cb := w.breakerFor(task.ID)
	_, _ = cb.Execute(func() (any, error) {
		if dead {
			return nil, fmt.Errorf("dead run")
		}
		return nil, nil
	})
	if cb.State() == gobreaker.StateOpen {
		if err := w.tasks.SetStatus(ctx, task.ID, domain.TaskPaused); err != nil {
			w.logger.Error("auto-pause task", "task_id", task.ID, "error", err)
			return
		}
		w.logger.Warn("task auto-paused after consecutive dead runs",
			"task_id", task.ID, "threshold", w.cfg.DeadRunsToPause)
		if w.events != nil {
			_ = w.events.PublishAudit(ctx, "task.auto_paused", map[string]any{"task_id": task.ID})
		}
	}
}

func (w *Worker) breakerFor(taskID string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	cb, ok := w.breakers[taskID]
	if !ok {
		threshold := uint32(w.cfg.DeadRunsToPause)
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: taskID,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		w.breakers[taskID] = cb
	}
	return cb
}

func (w *Worker) heartbeat(ctx context.Context, dueWorkID string) {
	interval := time.Duration(float64(w.cfg.Visibility) * w.cfg.HeartbeatRatio)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.due.Heartbeat(ctx, dueWorkID, w.id, w.clk.Now(), w.cfg.Visibility); err != nil {
				w.logger.Warn("heartbeat failed", "due_work_id", dueWorkID, "error", err)
				return
			}
		}
	}
}
