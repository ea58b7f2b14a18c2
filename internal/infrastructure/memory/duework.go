package memory

import (
	"context"
	"sort"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/google/uuid"
)

func (r *DueWorkRepo) Enqueue(ctx context.Context, w *domain.DueWork) (*domain.DueWork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := cloneDue(w)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = r.s.clk.Now()
	}
	if c.Status == "" {
		c.Status = domain.DuePending
	}
	r.s.due[c.ID] = c
	r.s.dueOrder = append(r.s.dueOrder, c.ID)
	return cloneDue(c), nil
}

func (s *Store) dueByID(id string) (*domain.DueWork, error) {
	w, ok := s.due[id]
	if !ok {
		return nil, domain.ErrDueWorkNotFound
	}
	return w, nil
}

func (r *DueWorkRepo) GetByID(ctx context.Context, id string) (*domain.DueWork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, err := r.s.dueByID(id)
	if err != nil {
		return nil, err
	}
	return cloneDue(w), nil
}

func (r *DueWorkRepo) Lease(ctx context.Context, owner string, now time.Time, visibility time.Duration, limit int) ([]*domain.DueWork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var visible []*domain.DueWork
	for _, id := range r.s.dueOrder {
		w := r.s.due[id]
		if w.Leasable(now) && w.Attempt < w.MaxAttempts {
			visible = append(visible, w)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		a, b := visible[i], visible[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}

	expires := now.Add(visibility)
	var claimed []*domain.DueWork
	for _, w := range visible {
		o := owner
		acq, exp, hb := now, expires, now
		w.Status = domain.DueLeased
		w.LeaseOwner = &o
		w.LeaseAcquiredAt = &acq
		w.LeaseExpiresAt = &exp
		w.LeaseHeartbeatAt = &hb
		w.Attempt++
		claimed = append(claimed, cloneDue(w))
	}
	return claimed, nil
}

// held reports whether owner still holds a live lease on w.
func held(w *domain.DueWork, owner string) bool {
	return w.Status == domain.DueLeased && w.LeaseOwner != nil && *w.LeaseOwner == owner
}

func (r *DueWorkRepo) Heartbeat(ctx context.Context, id, owner string, now time.Time, visibility time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, err := r.s.dueByID(id)
	if err != nil {
		return err
	}
	if !held(w, owner) {
		return domain.ErrLeaseLost
	}
	hb, exp := now, now.Add(visibility)
	w.LeaseHeartbeatAt = &hb
	w.LeaseExpiresAt = &exp
	return nil
}

func (r *DueWorkRepo) release(id, owner string, status domain.DueStatus, notBefore *time.Time) error {
	w, err := r.s.dueByID(id)
	if err != nil {
		return err
	}
	if !held(w, owner) {
		return domain.ErrLeaseLost
	}
	w.Status = status
	w.NotBefore = notBefore
	w.LeaseOwner = nil
	w.LeaseAcquiredAt = nil
	w.LeaseExpiresAt = nil
	w.LeaseHeartbeatAt = nil
	return nil
}

func (r *DueWorkRepo) Complete(ctx context.Context, id, owner string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.release(id, owner, domain.DueSucceeded, nil)
}

func (r *DueWorkRepo) Retry(ctx context.Context, id, owner string, notBefore time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	nb := notBefore
	return r.release(id, owner, domain.DuePending, &nb)
}

func (r *DueWorkRepo) Fail(ctx context.Context, id, owner string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.release(id, owner, domain.DueFailed, nil)
}

func (r *DueWorkRepo) Dead(ctx context.Context, id, owner string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.release(id, owner, domain.DueDead, nil)
}

func (r *DueWorkRepo) RequestCancel(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, err := r.s.dueByID(id)
	if err != nil {
		return err
	}
	w.CancelRequested = true
	return nil
}

func (r *DueWorkRepo) DeadExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, id := range r.s.dueOrder {
		w := r.s.due[id]
		if w.Status == domain.DueLeased && w.LeaseExpiresAt != nil && w.LeaseExpiresAt.Before(now) && w.Attempt >= w.MaxAttempts {
			w.Status = domain.DueDead
			w.LeaseOwner = nil
			w.LeaseAcquiredAt = nil
			w.LeaseExpiresAt = nil
			w.LeaseHeartbeatAt = nil
			n++
			if limit > 0 && n == limit {
				break
			}
		}
	}
	return n, nil
}

func (r *DueWorkRepo) ListByTask(ctx context.Context, taskID string, limit int) ([]*domain.DueWork, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.DueWork
	for _, id := range r.s.dueOrder {
		w := r.s.due[id]
		if w.TaskID == taskID {
			out = append(out, cloneDue(w))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
