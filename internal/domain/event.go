package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies a class of orchestration lifecycle event.
type EventType string

// Lifecycle events published while an orchestration run progresses.
const (
	EventRunStarted      EventType = "run.started"
	EventRunRouted       EventType = "run.routed"
	EventExpertCompleted EventType = "run.expert_completed"
	EventRunSynthesized  EventType = "run.synthesized"
	EventRunFinished     EventType = "run.finished"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus fans events out to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
}
