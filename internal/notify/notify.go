// Package notify publishes collection and component status changes to downstream
// consumers. Publishing is best-effort: failures are logged and never block or
// fail the state transition that produced the event.
package notify

import (
	"context"
	"time"
)

// DefaultTopic is the topic status events are published on.
const DefaultTopic = "updated-report"

// Event is the payload published on every status change.
// An empty ComponentID marks a collection-level event.
type Event struct {
	CollectionID string    `json:"collectionId"`
	ComponentID  string    `json:"componentId,omitempty"`
	Status       string    `json:"status"`
	StorageKey   string    `json:"filepath"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher sends an event to a downstream system.
type Publisher interface {
	// Publish must respect context cancellation and deadlines.
	Publish(ctx context.Context, topic string, event *Event) error
	Close() error
}
