// Package events is the append-only event log collaborator, backed by Redis
// Streams. The core produces task-lifecycle and run-outcome records and
// consumes topic events that trigger event-kind tasks.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chronotask/chronotask/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	// EventStream carries topic events that trigger event-kind tasks.
	EventStream = "chronotask.events"
	// AuditStream carries task lifecycle and run outcome records.
	AuditStream = "chronotask.audit"
)

type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewBus(rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger.With("component", "event_bus")}
}

// Publish appends a topic event to the event stream. Consumers (including
// this deployment's own trigger consumer) see it at least once.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		Values: map[string]any{"topic": topic, "payload": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(EventStream).Inc()
	return id, nil
}

// PublishAudit appends a lifecycle/outcome record to the audit stream.
// Best-effort: callers treat failures as log-only.
func (b *Bus) PublishAudit(ctx context.Context, kind string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: AuditStream,
		Values: map[string]any{"kind": kind, "fields": string(data)},
	}).Err()
	if err != nil {
		b.logger.Warn("audit append failed", "kind", kind, "error", err)
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(AuditStream).Inc()
	return nil
}

// Ping satisfies the health checker.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
