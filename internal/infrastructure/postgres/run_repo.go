package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunRepository struct {
	pool *pgxpool.Pool
}

func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

const runColumns = `id, due_work_id, task_id, attempt, worker_id,
	       started_at, finished_at, outcome, steps, vars_digest, error`

func (r *RunRepository) Create(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO runs (due_work_id, task_id, attempt, worker_id, started_at, finished_at, outcome, steps, vars_digest, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+runColumns,
		run.DueWorkID, run.TaskID, run.Attempt, run.WorkerID,
		run.StartedAt, run.FinishedAt, run.Outcome, steps, run.VarsDigest, run.Error,
	)
	return scanRun(row)
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (r *RunRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM runs
		 WHERE task_id = $1
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *RunRepository) ListByDueWork(ctx context.Context, dueWorkID string) ([]*domain.Run, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM runs
		 WHERE due_work_id = $1
		 ORDER BY attempt ASC`, dueWorkID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]*domain.Run, error) {
	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run   domain.Run
		steps []byte
	)
	err := row.Scan(
		&run.ID, &run.DueWorkID, &run.TaskID, &run.Attempt, &run.WorkerID,
		&run.StartedAt, &run.FinishedAt, &run.Outcome, &steps, &run.VarsDigest, &run.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return &run, nil
}
