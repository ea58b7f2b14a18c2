package scheduler_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/infrastructure/memory"
	"github.com/chronotask/chronotask/internal/pipeline"
	"github.com/chronotask/chronotask/internal/scheduler"
	"github.com/chronotask/chronotask/internal/tool"
	"github.com/chronotask/chronotask/internal/usecase"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func noopRegistry() *tool.Registry {
	reg := tool.NewRegistry()
	reg.Register("test.noop", &tool.Capability{
		Invoke: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{}, nil
		},
	})
	return reg
}

func noopPipeline() domain.Pipeline {
	return domain.Pipeline{Steps: []domain.Step{{ID: "noop", Uses: "test.noop"}}}
}

func newTick(store *memory.Store, clk clock.Clock) *scheduler.Tick {
	return scheduler.NewTick(store.Tasks(), store, clk, slog.Default(), scheduler.TickConfig{
		Interval:   time.Second,
		BatchLimit: 512,
		CatchupCap: 64,
	})
}

func newTestWorker(store *memory.Store, clk clock.Clock, id string) *scheduler.Worker {
	exec := pipeline.NewExecutor(noopRegistry(), clk, slog.Default(), pipeline.Config{
		DefaultStepTimeout: time.Second,
		DefaultRetry:       domain.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	w := scheduler.NewWorker(store.Tasks(), store.Due(), store.Runs(), exec, nil, clk, slog.Default(), scheduler.WorkerConfig{
		Concurrency: 10,
		Visibility:  time.Minute,
	})
	if id != "" {
		w.SetID(id)
	}
	return w
}

func createCronTask(t *testing.T, store *memory.Store, clk clock.Clock, expr string, policy domain.CatchupPolicy) *domain.Task {
	t.Helper()
	uc := usecase.NewTaskUsecase(store.Tasks(), store.Due(), clk, nil, usecase.Defaults{Jitter: -1})
	task, err := uc.CreateTask(context.Background(), usecase.CreateTaskInput{
		AgentID:       "agent-test",
		Title:         "test task",
		ScheduleKind:  domain.KindCron,
		ScheduleExpr:  expr,
		Timezone:      "UTC",
		Pipeline:      noopPipeline(),
		CatchupPolicy: policy,
		MaxAttempts:   3,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// Seventeen simulated minutes of a */5 cron: due-work at 00:05, 00:10,
// 00:15, each executed exactly once.
func TestTick_FiveMinuteCronSimulation(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := memory.NewStore(clk)

	task := createCronTask(t, store, clk, "*/5 * * * *", domain.CatchupFireAllMissed)

	tick := newTick(store, clk)
	worker := newTestWorker(store, clk, "")

	for elapsed := time.Duration(0); elapsed < 17*time.Minute; elapsed += 10 * time.Second {
		clk.Advance(10 * time.Second)
		tick.Once(ctx)
		worker.ProcessBatch(ctx)
	}

	work, err := store.Due().ListByTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list due-work: %v", err)
	}
	if len(work) != 3 {
		t.Fatalf("expected 3 due-work rows, got %d", len(work))
	}
	wantTimes := []time.Time{
		t0.Add(5 * time.Minute),
		t0.Add(10 * time.Minute),
		t0.Add(15 * time.Minute),
	}
	for i, w := range work {
		if !w.ScheduledAt.Equal(wantTimes[i]) {
			t.Fatalf("row %d scheduled at %s, want %s", i, w.ScheduledAt, wantTimes[i])
		}
		if w.Status != domain.DueSucceeded {
			t.Fatalf("row %d status %s, want succeeded", i, w.Status)
		}
	}

	runs, err := store.Runs().ListByTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.Outcome != domain.OutcomeSuccess {
			t.Fatalf("run %s outcome %s, want success", r.ID, r.Outcome)
		}
	}
}

// Successive due-work rows for one task have strictly increasing scheduled
// instants.
func TestTick_ScheduleMonotonicity(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := memory.NewStore(clk)

	task := createCronTask(t, store, clk, "* * * * *", domain.CatchupFireAllMissed)
	tick := newTick(store, clk)

	for i := 0; i < 30; i++ {
		clk.Advance(37 * time.Second)
		tick.Once(ctx)
	}

	work, _ := store.Due().ListByTask(ctx, task.ID, 0)
	if len(work) < 10 {
		t.Fatalf("expected a healthy stream of due-work, got %d rows", len(work))
	}
	for i := 1; i < len(work); i++ {
		if !work[i].ScheduledAt.After(work[i-1].ScheduledAt) {
			t.Fatalf("scheduled instants not strictly increasing at %d: %s then %s",
				i, work[i-1].ScheduledAt, work[i].ScheduledAt)
		}
	}
}

// Catchup policies: n missed hourly fires materialize as n, 1, or 0 rows.
func TestTick_CatchupPolicies(t *testing.T) {
	tests := []struct {
		policy   domain.CatchupPolicy
		wantRows int
	}{
		{domain.CatchupFireAllMissed, 5},
		{domain.CatchupFireLatestOnly, 1},
		{domain.CatchupSkipAll, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewFake(t0.Add(30 * time.Minute)) // 00:30
			store := memory.NewStore(clk)

			task := createCronTask(t, store, clk, "0 * * * *", tt.policy)

			// Five hourly fires elapse while "down": 01:00 .. 05:00.
			clk.Set(t0.Add(5*time.Hour + 30*time.Minute))
			tick := newTick(store, clk)
			tick.Once(ctx)

			work, _ := store.Due().ListByTask(ctx, task.ID, 0)
			if len(work) != tt.wantRows {
				t.Fatalf("policy %s: expected %d rows, got %d", tt.policy, tt.wantRows, len(work))
			}

			if tt.policy == domain.CatchupFireLatestOnly && len(work) == 1 {
				if want := t0.Add(5 * time.Hour); !work[0].ScheduledAt.Equal(want) {
					t.Fatalf("latest-only fired at %s, want %s", work[0].ScheduledAt, want)
				}
			}

			// Whatever the policy, the cursor must land past now.
			got, err := store.Tasks().GetByID(ctx, task.ID)
			if err != nil {
				t.Fatalf("get task: %v", err)
			}
			if got.NextFire == nil || !got.NextFire.After(clk.Now()) {
				t.Fatalf("cursor not advanced past now: %v", got.NextFire)
			}
		})
	}
}

// A paused task is invisible to the tick loop, and its next_fire survives
// the pause.
func TestTick_PausedTaskDoesNotFire(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := memory.NewStore(clk)

	task := createCronTask(t, store, clk, "*/5 * * * *", domain.CatchupFireLatestOnly)
	if err := store.Tasks().SetStatus(ctx, task.ID, domain.TaskPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	clk.Advance(20 * time.Minute)
	tick := newTick(store, clk)
	tick.Once(ctx)

	work, _ := store.Due().ListByTask(ctx, task.ID, 0)
	if len(work) != 0 {
		t.Fatalf("paused task fired %d times", len(work))
	}

	got, _ := store.Tasks().GetByID(ctx, task.ID)
	if got.NextFire == nil {
		t.Fatal("pause must freeze next_fire, not clear it")
	}
}

// A once task fires exactly one row and then goes quiet.
func TestTick_OnceTask(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := memory.NewStore(clk)

	uc := usecase.NewTaskUsecase(store.Tasks(), store.Due(), clk, nil, usecase.Defaults{})
	task, err := uc.CreateTask(ctx, usecase.CreateTaskInput{
		AgentID:      "agent-test",
		Title:        "one shot",
		ScheduleKind: domain.KindOnce,
		ScheduleExpr: t0.Add(time.Minute).Format(time.RFC3339),
		Pipeline:     noopPipeline(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tick := newTick(store, clk)
	for i := 0; i < 10; i++ {
		clk.Advance(time.Minute)
		tick.Once(ctx)
	}

	work, _ := store.Due().ListByTask(ctx, task.ID, 0)
	if len(work) != 1 {
		t.Fatalf("expected exactly 1 row, got %d", len(work))
	}

	got, _ := store.Tasks().GetByID(ctx, task.ID)
	if got.NextFire != nil {
		t.Fatalf("exhausted once task still has next_fire %s", got.NextFire)
	}
}
