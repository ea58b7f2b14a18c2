// seed inserts a handful of demo tasks into the local dev database.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/infrastructure/postgres"
	"github.com/chronotask/chronotask/internal/usecase"
)

const seedAgentID = "agent_seed_dev_local"

type taskSpec struct {
	title   string
	kind    domain.ScheduleKind
	expr    string
	tz      string
	catchup domain.CatchupPolicy
	steps   []domain.Step
}

var tasks = []taskSpec{
	// Happy path — pings httpbin every five minutes.
	{
		title: "five-minute ping", kind: domain.KindCron, expr: "*/5 * * * *", tz: "UTC",
		catchup: domain.CatchupFireLatestOnly,
		steps: []domain.Step{
			{ID: "ping", Uses: "http.request", With: map[string]any{"url": "https://httpbin.org/get"}, SaveAs: "ping"},
		},
	},
	// Two-step pipeline with templated data flow between the steps.
	{
		title: "fetch then echo", kind: domain.KindCron, expr: "0 * * * *", tz: "UTC",
		catchup: domain.CatchupFireAllMissed,
		steps: []domain.Step{
			{ID: "fetch", Uses: "http.request", With: map[string]any{"url": "https://httpbin.org/json"}, SaveAs: "page"},
			{ID: "echo", Uses: "http.request", With: map[string]any{
				"url":    "https://httpbin.org/post",
				"method": "POST",
				"body":   "fetched status ${steps.page.status}",
			}},
		},
	},
	// Conditional step: only posts when the fetch succeeded.
	{
		title: "conditional report", kind: domain.KindCron, expr: "30 8 * * 1-5", tz: "Europe/Chisinau",
		catchup: domain.CatchupSkipAll,
		steps: []domain.Step{
			{ID: "fetch", Uses: "http.request", With: map[string]any{"url": "https://httpbin.org/get"}, SaveAs: "check"},
			{ID: "report", Uses: "http.request", If: ".steps.check.status == 200", With: map[string]any{
				"url": "https://httpbin.org/post", "method": "POST",
			}},
		},
	},
	// Daily rrule with a count, so it exhausts itself.
	{
		title: "three mornings", kind: domain.KindRRule, expr: "FREQ=DAILY;COUNT=3;BYHOUR=9;BYMINUTE=0;BYSECOND=0", tz: "UTC",
		catchup: domain.CatchupFireLatestOnly,
		steps: []domain.Step{
			{ID: "ping", Uses: "http.request", With: map[string]any{"url": "https://httpbin.org/get"}},
		},
	},
	// Event-triggered: fires when something publishes to the topic.
	{
		title: "deploy hook", kind: domain.KindEvent, expr: "deploys.finished", tz: "UTC",
		catchup: domain.CatchupFireLatestOnly,
		steps: []domain.Step{
			{ID: "notify", Uses: "http.request", With: map[string]any{
				"url": "https://httpbin.org/post", "method": "POST", "body": "deploy finished at ${now}",
			}},
		},
	},
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	taskRepo := postgres.NewTaskRepository(pool, logger)
	dueRepo := postgres.NewDueWorkRepository(pool)
	uc := usecase.NewTaskUsecase(taskRepo, dueRepo, clock.System{}, nil, usecase.Defaults{})

	for _, spec := range tasks {
		created, err := uc.CreateTask(ctx, usecase.CreateTaskInput{
			AgentID:       seedAgentID,
			Title:         spec.title,
			ScheduleKind:  spec.kind,
			ScheduleExpr:  spec.expr,
			Timezone:      spec.tz,
			CatchupPolicy: spec.catchup,
			Pipeline:      domain.Pipeline{Steps: spec.steps},
		})
		if err != nil {
			log.Fatalf("seed %q: %v", spec.title, err)
		}
		log.Printf("seeded task %s (%s)", created.ID, spec.title)
	}
	log.Printf("seeded %d tasks for agent %s", len(tasks), seedAgentID)
}
