// Package memory is an in-process store used by the test suites and by
// dev-mode runs without Postgres. It implements the same repository
// interfaces as the postgres package with the same visibility and lease
// semantics, guarded by one mutex.
package memory

import (
	"context"
	"sync"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
)

type Store struct {
	mu    sync.Mutex
	clk   clock.Clock
	tasks map[string]*domain.Task
	due   map[string]*domain.DueWork
	runs  map[string]*domain.Run

	// insertion order for deterministic iteration
	taskOrder []string
	dueOrder  []string
	runOrder  []string

	leader bool
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		clk:   clk,
		tasks: make(map[string]*domain.Task),
		due:   make(map[string]*domain.DueWork),
		runs:  make(map[string]*domain.Run),
	}
}

// Per-entity views over the shared store, mirroring the postgres package's
// repository split.

type TaskRepo struct{ s *Store }

type DueWorkRepo struct{ s *Store }

type RunRepo struct{ s *Store }

func (s *Store) Tasks() *TaskRepo  { return &TaskRepo{s: s} }
func (s *Store) Due() *DueWorkRepo { return &DueWorkRepo{s: s} }
func (s *Store) Runs() *RunRepo    { return &RunRepo{s: s} }

// TryLead always succeeds: a single-process deployment is its own leader.
func (s *Store) TryLead(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leader = true
	return true, nil
}

func (s *Store) Unlead(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leader = false
	return nil
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	if t.LastFire != nil {
		v := *t.LastFire
		c.LastFire = &v
	}
	if t.NextFire != nil {
		v := *t.NextFire
		c.NextFire = &v
	}
	return &c
}

func cloneDue(w *domain.DueWork) *domain.DueWork {
	c := *w
	if w.NotBefore != nil {
		v := *w.NotBefore
		c.NotBefore = &v
	}
	if w.LeaseOwner != nil {
		v := *w.LeaseOwner
		c.LeaseOwner = &v
	}
	if w.LeaseAcquiredAt != nil {
		v := *w.LeaseAcquiredAt
		c.LeaseAcquiredAt = &v
	}
	if w.LeaseExpiresAt != nil {
		v := *w.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	if w.LeaseHeartbeatAt != nil {
		v := *w.LeaseHeartbeatAt
		c.LeaseHeartbeatAt = &v
	}
	return &c
}
