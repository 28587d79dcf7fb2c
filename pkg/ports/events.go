package ports

import (
	"context"
	"time"
)

// EventType names a run lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunProgress  EventType = "run.progress"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
)

// TopicRunEvents is the topic all run lifecycle events are published on.
const TopicRunEvents = "run.events"

// Event is a run lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventHandler consumes events delivered by a subscription.
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and delivers run events.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}
