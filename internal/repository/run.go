package repository

import (
	"context"

	"github.com/chronotask/chronotask/internal/domain"
)

type RunRepository interface {
	// Create persists a run record. Runs are immutable once written.
	Create(ctx context.Context, r *domain.Run) (*domain.Run, error)
	GetByID(ctx context.Context, id string) (*domain.Run, error)

	// ListByTask returns runs newest-first, bounded by limit.
	ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.Run, error)
	// ListByDueWork returns runs for one due-work row ordered by attempt ASC.
	ListByDueWork(ctx context.Context, dueWorkID string) ([]*domain.Run, error)
}

// Leader is the store-backed advisory lock that keeps the tick loop a
// deployment singleton. Holders renew by ticking; losers sleep a tick.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
	Unlead(ctx context.Context) error
}
