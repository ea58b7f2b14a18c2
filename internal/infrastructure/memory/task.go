package memory

import (
	"context"
	"sort"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/repository"
	"github.com/google/uuid"
)

func (r *TaskRepo) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := cloneTask(t)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := r.s.clk.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	r.s.tasks[c.ID] = c
	r.s.taskOrder = append(r.s.taskOrder, c.ID)
	return cloneTask(c), nil
}

func (r *TaskRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (r *TaskRepo) List(ctx context.Context, input repository.ListTasksInput) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Task
	for _, id := range r.s.taskOrder {
		t := r.s.tasks[id]
		if input.AgentID != "" && t.AgentID != input.AgentID {
			continue
		}
		if input.Status != "" && t.Status != input.Status {
			continue
		}
		out = append(out, cloneTask(t))
		if input.Limit > 0 && len(out) == input.Limit {
			break
		}
	}
	return out, nil
}

func (r *TaskRepo) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t.Status = status
	t.UpdatedAt = r.s.clk.Now()
	return nil
}

func (r *TaskRepo) SetNextFire(ctx context.Context, id string, next *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if next != nil {
		v := *next
		t.NextFire = &v
	} else {
		t.NextFire = nil
	}
	t.UpdatedAt = r.s.clk.Now()
	return nil
}

func (r *TaskRepo) ActiveEventTasks(ctx context.Context, topic string) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Task
	for _, id := range r.s.taskOrder {
		t := r.s.tasks[id]
		if t.Status == domain.TaskActive && t.ScheduleKind == domain.KindEvent && t.ScheduleExpr == topic {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (r *TaskRepo) ClaimAndFire(ctx context.Context, now time.Time, limit int, plan func(*domain.Task) repository.FirePlan) ([]*domain.DueWork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*domain.Task
	for _, id := range r.s.taskOrder {
		t := r.s.tasks[id]
		if t.Status != domain.TaskActive || t.NextFire == nil || t.NextFire.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.NextFire.Equal(*b.NextFire) {
			return a.NextFire.Before(*b.NextFire)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	var fired []*domain.DueWork
	for _, t := range due {
		p := plan(cloneTask(t))
		for _, at := range p.Fires {
			w := &domain.DueWork{
				ID:          uuid.NewString(),
				TaskID:      t.ID,
				TaskVersion: t.Version,
				ScheduledAt: at.UTC(),
				EnqueuedAt:  now,
				Priority:    t.Priority,
				Status:      domain.DuePending,
				MaxAttempts: t.MaxAttempts,
			}
			r.s.due[w.ID] = w
			r.s.dueOrder = append(r.s.dueOrder, w.ID)
			fired = append(fired, cloneDue(w))
		}
		t.LastFire = p.LastFire
		t.NextFire = p.NextFire
		t.UpdatedAt = now
	}
	return fired, nil
}
