package events_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/events"
	"github.com/chronotask/chronotask/internal/infrastructure/memory"
	"github.com/redis/go-redis/v9"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestBus_PublishAppendsToStream(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	bus := events.NewBus(rdb, slog.Default())

	id, err := bus.Publish(ctx, "deploys.finished", map[string]any{"sha": "abc123"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected a stream entry id")
	}

	n, err := rdb.XLen(ctx, events.EventStream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}

func TestBus_PublishAudit(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	bus := events.NewBus(rdb, slog.Default())

	if err := bus.PublishAudit(ctx, "run.finished", map[string]any{"outcome": "success"}); err != nil {
		t.Fatalf("publish audit: %v", err)
	}

	n, _ := rdb.XLen(ctx, events.AuditStream).Result()
	if n != 1 {
		t.Fatalf("expected 1 audit entry, got %d", n)
	}
}

func TestConsumer_EventFiresMatchingTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := newRedis(t)
	clk := clock.NewFake(t0)
	store := memory.NewStore(clk)

	matching, err := store.Tasks().Create(ctx, &domain.Task{
		AgentID:      "agent-test",
		Title:        "deploy hook",
		ScheduleKind: domain.KindEvent,
		ScheduleExpr: "deploys.finished",
		Timezone:     "UTC",
		Status:       domain.TaskActive,
		Priority:     7,
		MaxAttempts:  3,
		Pipeline:     domain.Pipeline{Steps: []domain.Step{{ID: "s", Uses: "ns.noop"}}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// Different topic: must not fire.
	other, _ := store.Tasks().Create(ctx, &domain.Task{
		AgentID:      "agent-test",
		Title:        "other hook",
		ScheduleKind: domain.KindEvent,
		ScheduleExpr: "other.topic",
		Timezone:     "UTC",
		Status:       domain.TaskActive,
		Pipeline:     domain.Pipeline{Steps: []domain.Step{{ID: "s", Uses: "ns.noop"}}},
	})

	bus := events.NewBus(rdb, slog.Default())
	if _, err := bus.Publish(ctx, "deploys.finished", map[string]any{"sha": "abc"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	consumer := events.NewConsumer(rdb, "test-consumer", store.Tasks(), store.Due(), clk, slog.Default())
	go consumer.Start(ctx)

	deadline := time.After(3 * time.Second)
	for {
		work, _ := store.Due().ListByTask(ctx, matching.ID, 0)
		if len(work) == 1 {
			w := work[0]
			if w.TaskVersion != matching.Version {
				t.Fatalf("task version not pinned: %d", w.TaskVersion)
			}
			if w.Priority != matching.Priority {
				t.Fatalf("priority not carried: %d", w.Priority)
			}
			if w.Status != domain.DuePending {
				t.Fatalf("expected pending, got %s", w.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("event never fired the matching task")
		case <-time.After(10 * time.Millisecond):
		}
	}

	otherWork, _ := store.Due().ListByTask(ctx, other.ID, 0)
	if len(otherWork) != 0 {
		t.Fatalf("event fired a non-matching task %d times", len(otherWork))
	}
}
