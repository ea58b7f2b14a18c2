package repository

import (
	"context"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
)

// Usecases and the scheduler depend on interfaces, not the concrete store,
// so the Postgres and in-memory implementations stay interchangeable.

type ListTasksInput struct {
	AgentID string
	Status  domain.TaskStatus
	Limit   int
}

// FirePlan is what the tick loop decided for one due task: the due-work rows
// to materialize and the new schedule cursor. Computed by the caller, applied
// by the store inside the tick transaction.
type FirePlan struct {
	Fires    []time.Time
	LastFire *time.Time
	NextFire *time.Time
}

type TaskRepository interface {
	Create(ctx context.Context, t *domain.Task) (*domain.Task, error)
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, input ListTasksInput) ([]*domain.Task, error)

	// SetStatus flips active/paused/archived. Resume recomputes next_fire
	// separately via SetNextFire.
	SetStatus(ctx context.Context, id string, status domain.TaskStatus) error
	SetNextFire(ctx context.Context, id string, next *time.Time) error

	// ActiveEventTasks returns active event-kind tasks whose schedule_expr
	// equals topic.
	ActiveEventTasks(ctx context.Context, topic string) ([]*domain.Task, error)

	// ClaimAndFire atomically selects active tasks with next_fire <= now
	// (ordered next_fire ASC, priority DESC, id ASC, bounded by limit),
	// applies the plan callback to each, inserts the planned due-work rows,
	// and advances the cursor — all in one transaction. The cursor update is
	// conditional on the previously read value, so racing tick instances
	// stay idempotent.
	ClaimAndFire(ctx context.Context, now time.Time, limit int, plan func(*domain.Task) FirePlan) ([]*domain.DueWork, error)
}
