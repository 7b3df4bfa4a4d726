package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pdfgen/internal/metrics"
)

// Dispatcher publishes events in the background so callers never wait on the broker.
// Events of one collection are published in the order they were handed over;
// different collections are published independently.
type Dispatcher struct {
	publisher Publisher
	topic     string
	timeout   time.Duration

	mu     sync.Mutex
	queues map[string][]Event
	wg     sync.WaitGroup
}

// NewDispatcher wraps a publisher. An empty topic falls back to DefaultTopic.
func NewDispatcher(publisher Publisher, topic string, timeout time.Duration) *Dispatcher {
	if topic == "" {
		topic = DefaultTopic
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		publisher: publisher,
		topic:     topic,
		timeout:   timeout,
		queues:    make(map[string][]Event),
	}
}

// Notify queues the event behind earlier events of the same collection. It never blocks
// on the publisher; errors are logged.
func (d *Dispatcher) Notify(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	key := event.CollectionID

	d.mu.Lock()
	defer d.mu.Unlock()
	pending, running := d.queues[key]
	d.queues[key] = append(pending, event)
	if running {
		return
	}
	d.wg.Add(1)
	go d.drain(key)
}

// drain publishes queued events for one collection until its queue is empty.
func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		pending := d.queues[key]
		if len(pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		event := pending[0]
		d.queues[key] = pending[1:]
		d.mu.Unlock()

		d.publish(event)
	}
}

func (d *Dispatcher) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	err := d.publisher.Publish(ctx, d.topic, &event)
	metrics.RecordNotification(err)
	if err != nil {
		log.Warn().
			Err(err).
			Str("collection_id", event.CollectionID).
			Str("component_id", event.ComponentID).
			Str("status", event.Status).
			Msg("publish status event failed")
	}
}

// Wait blocks until all pending publishes finish or the context is done.
// Returns true if everything was flushed.
func (d *Dispatcher) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
