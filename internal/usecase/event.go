package usecase

import (
	"context"
	"fmt"
)

// BusPublisher is the event log's producing side.
type BusPublisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) (string, error)
}

type EventUsecase struct {
	bus BusPublisher
}

func NewEventUsecase(bus BusPublisher) *EventUsecase {
	return &EventUsecase{bus: bus}
}

// PublishEvent appends the event to the log. Matching event-kind tasks fire
// when the trigger consumer reads it back — the log, not the HTTP adapter,
// is the source of truth for event firings.
func (u *EventUsecase) PublishEvent(ctx context.Context, topic string, payload map[string]any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic required")
	}
	id, err := u.bus.Publish(ctx, topic, payload)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}
