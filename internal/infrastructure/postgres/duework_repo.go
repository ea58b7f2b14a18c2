package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DueWorkRepository struct {
	pool *pgxpool.Pool
}

func NewDueWorkRepository(pool *pgxpool.Pool) *DueWorkRepository {
	return &DueWorkRepository{pool: pool}
}

const dueColumns = `id, task_id, task_version, scheduled_at, enqueued_at, priority,
	       status, attempt, max_attempts, not_before,
	       lease_owner, lease_acquired_at, lease_expires_at, lease_heartbeat_at,
	       cancel_requested`

func dueFields(w *domain.DueWork) []any {
	return []any{
		&w.ID, &w.TaskID, &w.TaskVersion, &w.ScheduledAt, &w.EnqueuedAt, &w.Priority,
		&w.Status, &w.Attempt, &w.MaxAttempts, &w.NotBefore,
		&w.LeaseOwner, &w.LeaseAcquiredAt, &w.LeaseExpiresAt, &w.LeaseHeartbeatAt,
		&w.CancelRequested,
	}
}

func (r *DueWorkRepository) Enqueue(ctx context.Context, w *domain.DueWork) (*domain.DueWork, error) {
	var out domain.DueWork
	err := r.pool.QueryRow(ctx, `
		INSERT INTO due_work (task_id, task_version, scheduled_at, enqueued_at, priority, status, max_attempts)
		VALUES ($1, $2, $3, NOW(), $4, 'pending', $5)
		RETURNING `+dueColumns,
		w.TaskID, w.TaskVersion, w.ScheduledAt, w.Priority, w.MaxAttempts,
	).Scan(dueFields(&out)...)
	if err != nil {
		return nil, fmt.Errorf("enqueue due-work: %w", err)
	}
	return &out, nil
}

func (r *DueWorkRepository) GetByID(ctx context.Context, id string) (*domain.DueWork, error) {
	var w domain.DueWork
	err := r.pool.QueryRow(ctx,
		`SELECT `+dueColumns+` FROM due_work WHERE id = $1`, id,
	).Scan(dueFields(&w)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDueWorkNotFound
		}
		return nil, fmt.Errorf("get due-work: %w", err)
	}
	return &w, nil
}

// Lease atomically claims up to limit visible rows. FOR UPDATE SKIP LOCKED
// guarantees at most one lease holder per row across concurrent workers.
func (r *DueWorkRepository) Lease(ctx context.Context, owner string, now time.Time, visibility time.Duration, limit int) ([]*domain.DueWork, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE due_work
		SET    status             = 'leased',
		       lease_owner        = $1,
		       lease_acquired_at  = $2,
		       lease_expires_at   = $3,
		       lease_heartbeat_at = $2,
		       attempt            = attempt + 1
		WHERE id IN (
			SELECT id FROM due_work
			WHERE attempt < max_attempts
			  AND (
			        (status = 'pending' AND (not_before IS NULL OR not_before <= $2))
			     OR (status = 'leased' AND lease_expires_at < $2)
			  )
			ORDER BY priority DESC, scheduled_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+dueColumns,
		owner, now, now.Add(visibility), limit)
	if err != nil {
		return nil, fmt.Errorf("lease due-work: %w", err)
	}
	defer rows.Close()

	var claimed []*domain.DueWork
	for rows.Next() {
		var w domain.DueWork
		if err := rows.Scan(dueFields(&w)...); err != nil {
			return nil, fmt.Errorf("scan due-work: %w", err)
		}
		claimed = append(claimed, &w)
	}
	return claimed, rows.Err()
}

func (r *DueWorkRepository) Heartbeat(ctx context.Context, id, owner string, now time.Time, visibility time.Duration) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE due_work
		SET lease_heartbeat_at = $3, lease_expires_at = $4
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2`,
		id, owner, now, now.Add(visibility))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *DueWorkRepository) release(ctx context.Context, id, owner string, status domain.DueStatus, notBefore *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE due_work
		SET    status             = $3,
		       not_before         = $4,
		       lease_owner        = NULL,
		       lease_acquired_at  = NULL,
		       lease_expires_at   = NULL,
		       lease_heartbeat_at = NULL
		WHERE id = $1 AND status = 'leased' AND lease_owner = $2`,
		id, owner, status, notBefore)
	if err != nil {
		return fmt.Errorf("release due-work: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *DueWorkRepository) Complete(ctx context.Context, id, owner string) error {
	return r.release(ctx, id, owner, domain.DueSucceeded, nil)
}

func (r *DueWorkRepository) Retry(ctx context.Context, id, owner string, notBefore time.Time) error {
	return r.release(ctx, id, owner, domain.DuePending, &notBefore)
}

func (r *DueWorkRepository) Fail(ctx context.Context, id, owner string) error {
	return r.release(ctx, id, owner, domain.DueFailed, nil)
}

func (r *DueWorkRepository) Dead(ctx context.Context, id, owner string) error {
	return r.release(ctx, id, owner, domain.DueDead, nil)
}

func (r *DueWorkRepository) RequestCancel(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE due_work SET cancel_requested = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDueWorkNotFound
	}
	return nil
}

// DeadExpired finishes off rows whose lease expired with no attempts left.
// Rows with attempts remaining are not touched; the lease query re-selects
// them directly.
func (r *DueWorkRepository) DeadExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE due_work
		SET    status             = 'dead',
		       lease_owner        = NULL,
		       lease_acquired_at  = NULL,
		       lease_expires_at   = NULL,
		       lease_heartbeat_at = NULL
		WHERE id IN (
			SELECT id FROM due_work
			WHERE status = 'leased'
			  AND lease_expires_at < $1
			  AND attempt >= max_attempts
			ORDER BY lease_expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("dead expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *DueWorkRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.DueWork, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+dueColumns+`
		 FROM due_work
		 WHERE task_id = $1
		 ORDER BY scheduled_at DESC, id DESC
		 LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due-work: %w", err)
	}
	defer rows.Close()

	var out []*domain.DueWork
	for rows.Next() {
		var w domain.DueWork
		if err := rows.Scan(dueFields(&w)...); err != nil {
			return nil, fmt.Errorf("scan due-work: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
