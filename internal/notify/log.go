package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogPublisher writes events to the service log. Used when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, topic string, event *Event) error {
	log.Info().
		Str("topic", topic).
		Str("collection_id", event.CollectionID).
		Str("component_id", event.ComponentID).
		Str("status", event.Status).
		Str("key", event.StorageKey).
		Str("error", event.Error).
		Msg("status event")
	return nil
}

func (LogPublisher) Close() error { return nil }

var _ Publisher = LogPublisher{}
