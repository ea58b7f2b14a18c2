package repository

import (
	"context"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
)

type DueWorkRepository interface {
	// Enqueue inserts a new pending row. Used by the tick transaction's
	// sibling path (run-now, event ingestion); tick inserts go through
	// TaskRepository.ClaimAndFire.
	Enqueue(ctx context.Context, w *domain.DueWork) (*domain.DueWork, error)
	GetByID(ctx context.Context, id string) (*domain.DueWork, error)

	// Lease atomically claims up to limit visible rows for owner: pending
	// rows past not_before, or leased rows whose lease expired. Ordered
	// priority DESC, scheduled_at ASC, id ASC; rows locked by concurrent
	// workers are skipped. The attempt counter is incremented on claim.
	Lease(ctx context.Context, owner string, now time.Time, visibility time.Duration, limit int) ([]*domain.DueWork, error)

	// Heartbeat pushes the lease expiry forward. ErrLeaseLost if owner no
	// longer holds the row.
	Heartbeat(ctx context.Context, id, owner string, now time.Time, visibility time.Duration) error

	// Release paths. Each verifies ownership and clears the lease.
	Complete(ctx context.Context, id, owner string) error
	Retry(ctx context.Context, id, owner string, notBefore time.Time) error
	Fail(ctx context.Context, id, owner string) error
	Dead(ctx context.Context, id, owner string) error

	RequestCancel(ctx context.Context, id string) error

	// DeadExpired moves rows whose lease expired with no attempts left to
	// dead. Rows with attempts remaining are picked up again by Lease.
	DeadExpired(ctx context.Context, now time.Time, limit int) (int, error)

	ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.DueWork, error)
}
