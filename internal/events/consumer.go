package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chronotask/chronotask/internal/clock"
	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/metrics"
	"github.com/chronotask/chronotask/internal/repository"
	"github.com/redis/go-redis/v9"
)

const consumerGroup = "chronotask-triggers"

// Consumer reads the event stream through a consumer group and materializes
// due-work for every active event-kind task whose topic matches. Consumer
// groups give at-least-once delivery; duplicate fires are tolerated the same
// way duplicate pipeline runs are.
type Consumer struct {
	rdb    *redis.Client
	name   string
	tasks  repository.TaskRepository
	due    repository.DueWorkRepository
	clk    clock.Clock
	logger *slog.Logger
	block  time.Duration
}

func NewConsumer(rdb *redis.Client, name string, tasks repository.TaskRepository, due repository.DueWorkRepository, clk clock.Clock, logger *slog.Logger) *Consumer {
	return &Consumer{
		rdb:    rdb,
		name:   name,
		tasks:  tasks,
		due:    due,
		clk:    clk,
		logger: logger.With("component", "event_consumer"),
		block:  5 * time.Second,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	err := c.rdb.XGroupCreateMkStream(ctx, EventStream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		c.logger.Error("create consumer group", "error", err)
		return
	}

	c.logger.Info("event consumer started", "stream", EventStream, "group", consumerGroup)

	for {
		if ctx.Err() != nil {
			c.logger.Info("event consumer shut down")
			return
		}
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: c.name,
			Streams:  []string{EventStream, ">"},
			Count:    64,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("read event stream", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	topic, _ := msg.Values["topic"].(string)
	if topic == "" {
		c.logger.Warn("event without topic, acking", "id", msg.ID)
		c.ack(ctx, msg.ID)
		return
	}

	if raw, ok := msg.Values["payload"].(string); ok && raw != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			c.logger.Warn("event payload not an object, acking", "id", msg.ID, "error", err)
			c.ack(ctx, msg.ID)
			return
		}
	}

	if err := c.fire(ctx, topic); err != nil {
		// Leave the message pending; the group redelivers it.
		c.logger.Error("fire event tasks", "topic", topic, "error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

// fire inserts one due-work row per matching active event task.
func (c *Consumer) fire(ctx context.Context, topic string) error {
	tasks, err := c.tasks.ActiveEventTasks(ctx, topic)
	if err != nil {
		return err
	}
	now := c.clk.Now()
	for _, t := range tasks {
		_, err := c.due.Enqueue(ctx, &domain.DueWork{
			TaskID:      t.ID,
			TaskVersion: t.Version,
			ScheduledAt: now,
			Priority:    t.Priority,
			MaxAttempts: t.MaxAttempts,
		})
		if err != nil {
			return err
		}
		metrics.EventsConsumedTotal.Inc()
		c.logger.Info("event fired task", "topic", topic, "task_id", t.ID)
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, EventStream, consumerGroup, id).Err(); err != nil {
		c.logger.Warn("ack event", "id", id, "error", err)
	}
}
