package usecase

import (
	"context"
	"fmt"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/repository"
)

type RunUsecase struct {
	runs repository.RunRepository
	due  repository.DueWorkRepository
}

func NewRunUsecase(runs repository.RunRepository, due repository.DueWorkRepository) *RunUsecase {
	return &RunUsecase{runs: runs, due: due}
}

func (u *RunUsecase) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	r, err := u.runs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (u *RunUsecase) ListRuns(ctx context.Context, taskID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	runs, err := u.runs.ListByTask(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (u *RunUsecase) ListDueWork(ctx context.Context, taskID string, limit int) ([]*domain.DueWork, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	work, err := u.due.ListByTask(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list due-work: %w", err)
	}
	return work, nil
}
