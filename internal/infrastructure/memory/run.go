package memory

import (
	"context"
	"sort"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/google/uuid"
)

func cloneRun(r *domain.Run) *domain.Run {
	c := *r
	c.Steps = append([]domain.StepLog(nil), r.Steps...)
	return &c
}

func (r *RunRepo) Create(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := cloneRun(run)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.s.runs[c.ID] = c
	r.s.runOrder = append(r.s.runOrder, c.ID)
	return cloneRun(c), nil
}

func (r *RunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	run, ok := r.s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (r *RunRepo) ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Run
	for i := len(r.s.runOrder) - 1; i >= 0; i-- {
		run := r.s.runs[r.s.runOrder[i]]
		if run.TaskID == taskID {
			out = append(out, cloneRun(run))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *RunRepo) ListByDueWork(ctx context.Context, dueWorkID string) ([]*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Run
	for _, id := range r.s.runOrder {
		run := r.s.runs[id]
		if run.DueWorkID == dueWorkID {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}
