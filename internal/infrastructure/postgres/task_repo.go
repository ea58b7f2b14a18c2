package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TaskRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewTaskRepository(pool *pgxpool.Pool, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{pool: pool, logger: logger.With("component", "task_repo")}
}

const taskColumns = `id, agent_id, title, description, schedule_kind, schedule_expr, timezone,
	       status, pipeline, params, priority, version,
	       last_fire, next_fire, catchup_policy,
	       max_attempts, base_delay_ms, max_delay_ms, jitter,
	       created_at, updated_at`

func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	pipeline, err := json.Marshal(t.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	query := `
		INSERT INTO tasks (
			agent_id, title, description, schedule_kind, schedule_expr, timezone,
			status, pipeline, params, priority, version,
			last_fire, next_fire, catchup_policy,
			max_attempts, base_delay_ms, max_delay_ms, jitter
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + taskColumns

	row := r.pool.QueryRow(ctx, query,
		t.AgentID, t.Title, t.Description, t.ScheduleKind, t.ScheduleExpr, t.Timezone,
		t.Status, pipeline, params, t.Priority,
		t.LastFire, t.NextFire, t.CatchupPolicy,
		t.MaxAttempts, t.BaseDelay.Milliseconds(), t.MaxDelay.Milliseconds(), t.Jitter,
	)
	return scanTask(row)
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context, input repository.ListTasksInput) ([]*domain.Task, error) {
	args := []any{}
	where := []string{"TRUE"}

	if input.AgentID != "" {
		args = append(args, input.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT `+taskColumns+`
		FROM tasks
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepository) SetNextFire(ctx context.Context, id string, next *time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET next_fire = $2, updated_at = NOW() WHERE id = $1`,
		id, next)
	if err != nil {
		return fmt.Errorf("set next fire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepository) ActiveEventTasks(ctx context.Context, topic string) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = 'active' AND schedule_kind = 'event' AND schedule_expr = $1`,
		topic)
	if err != nil {
		return nil, fmt.Errorf("event tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimAndFire atomically selects due tasks, inserts the planned due-work
// rows, and advances each cursor — all in one transaction. FOR UPDATE SKIP
// LOCKED keeps racing tick instances from double-firing; the cursor update is
// additionally conditional on the next_fire value read in this transaction.
func (r *TaskRepository) ClaimAndFire(ctx context.Context, now time.Time, limit int, plan func(*domain.Task) repository.FirePlan) ([]*domain.DueWork, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'active' AND next_fire IS NOT NULL AND next_fire <= $1
		ORDER BY next_fire ASC, priority DESC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	var due []*domain.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return nil, err
		}
		due = append(due, t)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	var fired []*domain.DueWork
	for _, t := range due {
		p := plan(t)

		for _, at := range p.Fires {
			var w domain.DueWork
			scanErr := tx.QueryRow(ctx, `
				INSERT INTO due_work (task_id, task_version, scheduled_at, enqueued_at, priority, status, max_attempts)
				VALUES ($1, $2, $3, $4, $5, 'pending', $6)
				RETURNING `+dueColumns,
				t.ID, t.Version, at.UTC(), now, t.Priority, t.MaxAttempts,
			).Scan(dueFields(&w)...)
			if scanErr != nil {
				err = fmt.Errorf("insert due-work for task %s: %w", t.ID, scanErr)
				return nil, err
			}
			fired = append(fired, &w)
		}

		tag, updateErr := tx.Exec(ctx, `
			UPDATE tasks SET last_fire = $2, next_fire = $3, updated_at = NOW()
			WHERE id = $1 AND next_fire IS NOT DISTINCT FROM $4`,
			t.ID, p.LastFire, p.NextFire, t.NextFire)
		if updateErr != nil {
			err = fmt.Errorf("advance task %s: %w", t.ID, updateErr)
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			// Another tick advanced this cursor first; abort so its inserts win.
			err = errors.New("tick cursor conflict")
			r.logger.Warn("tick raced on task cursor, retrying next tick", "task_id", t.ID)
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return fired, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t            domain.Task
		pipeline     []byte
		params       []byte
		baseDelayMS  int64
		maxDelayMS   int64
	)
	err := row.Scan(
		&t.ID, &t.AgentID, &t.Title, &t.Description, &t.ScheduleKind, &t.ScheduleExpr, &t.Timezone,
		&t.Status, &pipeline, &params, &t.Priority, &t.Version,
		&t.LastFire, &t.NextFire, &t.CatchupPolicy,
		&t.MaxAttempts, &baseDelayMS, &maxDelayMS, &t.Jitter,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(pipeline, &t.Pipeline); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	t.BaseDelay = time.Duration(baseDelayMS) * time.Millisecond
	t.MaxDelay = time.Duration(maxDelayMS) * time.Millisecond
	return &t, nil
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}
