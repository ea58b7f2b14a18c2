package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/repository"
	"github.com/chronotask/chronotask/internal/schedule"
)

// runNowPriority outranks every schedulable priority so admin-triggered work
// jumps the queue.
const runNowPriority = math.MaxInt32

// AuditPublisher receives task lifecycle records. Nil-able: dev runs without
// the event log skip auditing.
type AuditPublisher interface {
	PublishAudit(ctx context.Context, kind string, fields map[string]any) error
}

// Defaults are the deployment-level retry defaults applied when a task
// leaves them unset.
type Defaults struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

type TaskUsecase struct {
	tasks    repository.TaskRepository
	due      repository.DueWorkRepository
	clk      clock.Clock
	audit    AuditPublisher
	defaults Defaults
}

func NewTaskUsecase(tasks repository.TaskRepository, due repository.DueWorkRepository, clk clock.Clock, audit AuditPublisher, defaults Defaults) *TaskUsecase {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 5
	}
	if defaults.BaseDelay <= 0 {
		defaults.BaseDelay = time.Second
	}
	if defaults.MaxDelay <= 0 {
		defaults.MaxDelay = 5 * time.Minute
	}
	if defaults.Jitter == 0 {
		defaults.Jitter = 0.2
	}
	return &TaskUsecase{tasks: tasks, due: due, clk: clk, audit: audit, defaults: defaults}
}

type CreateTaskInput struct {
	AgentID       string
	Title         string
	Description   string
	ScheduleKind  domain.ScheduleKind
	ScheduleExpr  string
	Timezone      string
	Pipeline      domain.Pipeline
	Params        map[string]any
	Priority      int
	CatchupPolicy domain.CatchupPolicy
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        float64
}

// CreateTask validates the schedule and pipeline, computes the initial
// next_fire, and persists the task. All validation failures surface here;
// the tick loop assumes stored tasks parse.
func (u *TaskUsecase) CreateTask(ctx context.Context, input CreateTaskInput) (*domain.Task, error) {
	if input.Timezone == "" {
		input.Timezone = "UTC"
	}
	if !input.ScheduleKind.Valid() {
		return nil, &domain.ScheduleParseError{Kind: input.ScheduleKind, Expr: input.ScheduleExpr, Err: fmt.Errorf("unknown kind")}
	}
	if err := schedule.Validate(input.ScheduleKind, input.ScheduleExpr, input.Timezone); err != nil {
		return nil, err
	}
	if err := input.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if input.CatchupPolicy == "" {
		input.CatchupPolicy = domain.CatchupFireLatestOnly
	}
	if !input.CatchupPolicy.Valid() {
		return nil, fmt.Errorf("%w: bad catchup policy %q", domain.ErrInvalidPipeline, input.CatchupPolicy)
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = u.defaults.MaxAttempts
	}
	if input.BaseDelay <= 0 {
		input.BaseDelay = u.defaults.BaseDelay
	}
	if input.MaxDelay <= 0 {
		input.MaxDelay = u.defaults.MaxDelay
	}
	if input.Jitter == 0 {
		input.Jitter = u.defaults.Jitter
	}

	now := u.clk.Now()
	next, err := schedule.NextAfter(input.ScheduleKind, input.ScheduleExpr, input.Timezone, now, now)
	if err != nil {
		return nil, err
	}

	t := &domain.Task{
		AgentID:       input.AgentID,
		Title:         input.Title,
		Description:   input.Description,
		ScheduleKind:  input.ScheduleKind,
		ScheduleExpr:  input.ScheduleExpr,
		Timezone:      input.Timezone,
		Status:        domain.TaskActive,
		Pipeline:      input.Pipeline,
		Params:        input.Params,
		Priority:      input.Priority,
		NextFire:      next,
		CatchupPolicy: input.CatchupPolicy,
		MaxAttempts:   input.MaxAttempts,
		BaseDelay:     input.BaseDelay,
		MaxDelay:      input.MaxDelay,
		Jitter:        input.Jitter,
	}

	created, err := u.tasks.Create(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	u.publishAudit(ctx, "task.created", created.ID)
	return created, nil
}

func (u *TaskUsecase) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := u.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (u *TaskUsecase) ListTasks(ctx context.Context, input repository.ListTasksInput) ([]*domain.Task, error) {
	if input.Limit <= 0 || input.Limit > 100 {
		input.Limit = 100
	}
	tasks, err := u.tasks.List(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// RunNow enqueues a due-work row for immediate execution at maximum
// priority. Works for every schedule kind, including manual tasks.
func (u *TaskUsecase) RunNow(ctx context.Context, taskID string) (*domain.DueWork, error) {
	t, err := u.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.Status == domain.TaskArchived {
		return nil, domain.ErrTaskArchived
	}

	w, err := u.due.Enqueue(ctx, &domain.DueWork{
		TaskID:      t.ID,
		TaskVersion: t.Version,
		ScheduledAt: u.clk.Now(),
		Priority:    runNowPriority,
		MaxAttempts: t.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue run-now: %w", err)
	}
	u.publishAudit(ctx, "task.run_now", t.ID)
	return w, nil
}

// Snooze pushes next_fire out to at least until. Never pulls a fire earlier.
func (u *TaskUsecase) Snooze(ctx context.Context, taskID string, until time.Time) error {
	t, err := u.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.NextFire != nil && t.NextFire.After(until) {
		return nil
	}
	if err := u.tasks.SetNextFire(ctx, taskID, &until); err != nil {
		return fmt.Errorf("snooze task: %w", err)
	}
	u.publishAudit(ctx, "task.snoozed", taskID)
	return nil
}

// Pause freezes the task: next_fire stays put, the tick loop skips it.
// In-flight runs are unaffected.
func (u *TaskUsecase) Pause(ctx context.Context, taskID string) error {
	t, err := u.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status == domain.TaskPaused {
		return domain.ErrTaskAlreadyPaused
	}
	if t.Status == domain.TaskArchived {
		return domain.ErrTaskArchived
	}
	if err := u.tasks.SetStatus(ctx, taskID, domain.TaskPaused); err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	u.publishAudit(ctx, "task.paused", taskID)
	return nil
}

// Resume reactivates a paused task and recomputes next_fire from now, so a
// long pause does not dump a backlog on the queue.
func (u *TaskUsecase) Resume(ctx context.Context, taskID string) error {
	t, err := u.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if t.Status != domain.TaskPaused {
		return domain.ErrTaskNotPaused
	}

	now := u.clk.Now()
	next, err := schedule.NextAfter(t.ScheduleKind, t.ScheduleExpr, t.Timezone, t.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("recompute next fire: %w", err)
	}
	if err := u.tasks.SetNextFire(ctx, taskID, next); err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	if err := u.tasks.SetStatus(ctx, taskID, domain.TaskActive); err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	u.publishAudit(ctx, "task.resumed", taskID)
	return nil
}

// Archive retires the task. Historical runs keep referencing it, so tasks
// are never hard-deleted.
func (u *TaskUsecase) Archive(ctx context.Context, taskID string) error {
	if err := u.tasks.SetStatus(ctx, taskID, domain.TaskArchived); err != nil {
		return fmt.Errorf("archive task: %w", err)
	}
	u.publishAudit(ctx, "task.archived", taskID)
	return nil
}

// CancelRun flags a due-work row; the worker observes the flag at step
// boundaries and finishes with outcome canceled.
func (u *TaskUsecase) CancelRun(ctx context.Context, dueWorkID string) error {
	if err := u.due.RequestCancel(ctx, dueWorkID); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

func (u *TaskUsecase) publishAudit(ctx context.Context, kind, taskID string) {
	if u.audit == nil {
		return
	}
	_ = u.audit.PublishAudit(ctx, kind, map[string]any{"task_id": taskID})
}
