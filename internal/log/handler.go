package log

import (
	"context"
	"log/slog"

	"github.com/chronotask/chronotask/internal/requestid"
)

type runKey struct{}

type runInfo struct {
	taskID    string
	dueWorkID string
}

// WithRun returns a copy of ctx carrying the executing run's identity, so
// every record logged under it names the task and due-work row.
func WithRun(ctx context.Context, taskID, dueWorkID string) context.Context {
	return context.WithValue(ctx, runKey{}, runInfo{taskID: taskID, dueWorkID: dueWorkID})
}

// ContextHandler wraps an slog.Handler and automatically extracts request
// and run identity from the context of each log record.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler returns a handler that enriches every record with
// context values (request_id, task_id, due_work_id) before delegating to
// inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := requestid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if run, ok := ctx.Value(runKey{}).(runInfo); ok {
		r.AddAttrs(slog.String("task_id", run.taskID), slog.String("due_work_id", run.dueWorkID))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
