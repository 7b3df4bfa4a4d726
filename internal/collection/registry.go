// Package collection tracks the lifecycle of collections of rendered components
// and decides, exactly once per collection, when the collection is complete.
package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pdfgen/internal/metrics"
	"pdfgen/internal/notify"
)

// Notifier receives status events. Notify must not block.
type Notifier interface {
	Notify(event notify.Event)
}

type entry struct {
	mu      sync.Mutex
	col     Collection
	timer   *time.Timer
	removed bool
}

// Registry is an in-memory store of collections. Lock order is Registry.mu before entry.mu;
// entry locks are never held while calling out to hooks or notifiers.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	entryTimeout time.Duration
	notifier     Notifier

	hookMu      sync.RWMutex
	onGenerated func(collectionID string)
	hooksWG     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.EntryTimeout <= 0 {
		opts.EntryTimeout = DefaultEntryTimeout
	}
	return &Registry{
		entries:      make(map[string]*entry),
		entryTimeout: opts.EntryTimeout,
		notifier:     opts.Notifier,
	}
}

// OnGenerated registers the hook invoked once when a collection becomes Generated.
// The hook runs on its own goroutine.
func (r *Registry) OnGenerated(hook func(collectionID string)) {
	r.hookMu.Lock()
	r.onGenerated = hook
	r.hookMu.Unlock()
}

// RegisterExpectedLength sets the number of components required for completeness,
// creating the collection if needed.
func (r *Registry) RegisterExpectedLength(collectionID string, n int) {
	if collectionID == "" {
		log.Warn().Err(ErrInvalidID).Int("expected_length", n).Msg("register expected length ignored")
		return
	}
	if n < 0 {
		log.Warn().Str("collection_id", collectionID).Int("expected_length", n).Msg("negative expected length ignored")
		return
	}

	e := r.lockEntry(collectionID)
	e.col.ExpectedLength = n
	fire, event := r.evaluateLocked(e)
	e.mu.Unlock()

	log.Debug().Str("collection_id", collectionID).Int("expected_length", n).Msg("expected length registered")
	r.publish(event)
	if fire {
		r.fireGenerated(collectionID)
	}
}

// ReportComponent upserts a component by id and re-evaluates the collection.
// Reports into a terminal collection are ignored.
func (r *Registry) ReportComponent(collectionID string, component Component) {
	if collectionID == "" || component.ID == "" {
		log.Warn().
			Err(ErrInvalidID).
			Str("collection_id", collectionID).
			Str("component_id", component.ID).
			Msg("component report ignored")
		return
	}
	component = cloneComponent(component)
	component.CollectionID = collectionID

	e := r.lockEntry(collectionID)
	if e.col.Status.Terminal() {
		status := e.col.Status
		e.mu.Unlock()
		log.Debug().
			Str("collection_id", collectionID).
			Str("component_id", component.ID).
			Str("collection_status", string(status)).
			Msg("report into terminal collection ignored")
		return
	}
	replaced := false
	for i := range e.col.Components {
		if e.col.Components[i].ID == component.ID {
			e.col.Components[i] = component
			replaced = true
			break
		}
	}
	if !replaced {
		e.col.Components = append(e.col.Components, component)
	}
	fire, event := r.evaluateLocked(e)
	e.mu.Unlock()

	log.Debug().
		Str("collection_id", collectionID).
		Str("component_id", component.ID).
		Str("status", string(component.Status)).
		Bool("replaced", replaced).
		Msg("component reported")

	r.publish(componentEvent(component))
	r.publish(event)
	if fire {
		r.fireGenerated(collectionID)
	}
}

// Evaluate re-derives the collection status. It is a no-op for unknown or terminal collections
// and safe to call any number of times.
func (r *Registry) Evaluate(collectionID string) {
	e, ok := r.lookupLocked(collectionID)
	if !ok {
		return
	}
	fire, event := r.evaluateLocked(e)
	e.mu.Unlock()

	r.publish(event)
	if fire {
		r.fireGenerated(collectionID)
	}
}

// evaluateLocked runs the completeness check. The caller holds e.mu, so the
// transition and the decision to fire the hook happen in one step.
func (r *Registry) evaluateLocked(e *entry) (bool, *notify.Event) {
	col := &e.col
	if col.Status.Terminal() {
		return false, nil
	}
	for _, c := range col.Components {
		if c.Status == StatusFailed {
			col.Status = StatusFailed
			col.Error = c.Error
			if col.Error == "" {
				col.Error = fmt.Sprintf("component %s failed", c.ID)
			}
			metrics.CollectionsTotal.WithLabelValues("failed").Inc()
			log.Warn().
				Str("collection_id", col.ID).
				Str("component_id", c.ID).
				Str("error", col.Error).
				Msg("collection failed")
			return false, collectionEvent(col)
		}
	}
	if col.ExpectedLength == 0 {
		return false, nil
	}
	if len(col.Components) != col.ExpectedLength {
		return false, nil
	}
	for _, c := range col.Components {
		if c.Status != StatusGenerated {
			return false, nil
		}
	}
	col.Status = StatusGenerated
	metrics.CollectionsTotal.WithLabelValues("generated").Inc()
	log.Info().
		Str("collection_id", col.ID).
		Int("components", len(col.Components)).
		Msg("collection generated")
	return true, collectionEvent(col)
}

// Get returns a snapshot of the collection.
func (r *Registry) Get(collectionID string) (Collection, error) {
	e, ok := r.lookupLocked(collectionID)
	if !ok {
		return Collection{}, ErrNotFound
	}
	defer e.mu.Unlock()
	return snapshot(&e.col), nil
}

// Components returns the current components in arrival order, or an empty slice.
func (r *Registry) Components(collectionID string) []Component {
	col, err := r.Get(collectionID)
	if err != nil {
		return []Component{}
	}
	return col.Components
}

// TotalPages sums page counts. Collections with fewer than two components report 0.
func (r *Registry) TotalPages(collectionID string) int {
	components := r.Components(collectionID)
	if len(components) < 2 {
		return 0
	}
	total := 0
	for _, c := range components {
		if c.PageCount != nil {
			total += *c.PageCount
		}
	}
	return total
}

// MarkFailed turns a collection Failed after it was Generated, used when the merge fails.
func (r *Registry) MarkFailed(collectionID, reason string) error {
	e, ok := r.lookupLocked(collectionID)
	if !ok {
		return ErrNotFound
	}
	if e.col.Status == StatusFailed {
		e.mu.Unlock()
		return nil
	}
	e.col.Status = StatusFailed
	e.col.Error = reason
	event := collectionEvent(&e.col)
	e.mu.Unlock()

	metrics.CollectionsTotal.WithLabelValues("failed").Inc()
	log.Error().Str("collection_id", collectionID).Str("error", reason).Msg("collection marked failed")
	r.publish(event)
	return nil
}

// MarkMerged records the storage key of the merged artifact.
func (r *Registry) MarkMerged(collectionID, key string) error {
	e, ok := r.lookupLocked(collectionID)
	if !ok {
		return ErrNotFound
	}
	if e.col.Status != StatusGenerated {
		status := e.col.Status
		e.mu.Unlock()
		return fmt.Errorf("mark merged %s (status %s): %w", collectionID, status, ErrNotGenerated)
	}
	e.col.ArtifactKey = key
	event := collectionEvent(&e.col)
	e.mu.Unlock()

	metrics.CollectionsTotal.WithLabelValues("merged").Inc()
	log.Info().Str("collection_id", collectionID).Str("key", key).Msg("collection merged")
	r.publish(event)
	return nil
}

// Remove deletes the collection and cancels its expiry. Idempotent.
func (r *Registry) Remove(collectionID string) {
	if r.delete(collectionID, nil) {
		log.Debug().Str("collection_id", collectionID).Msg("collection removed")
	}
}

// Len returns the number of tracked collections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Wait blocks until running OnGenerated hooks finish or the context is done.
// Returns true if all hooks finished.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.hooksWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops all expiry timers. Entries stay readable.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.timer.Stop()
	}
}

// lockEntry returns the live entry for id with its mutex held, creating it if absent.
func (r *Registry) lockEntry(collectionID string) *entry {
	for {
		e := r.getOrCreate(collectionID)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// lookupLocked returns the existing entry for id with its mutex held.
func (r *Registry) lookupLocked(collectionID string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[collectionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, false
	}
	return e, true
}

func (r *Registry) getOrCreate(collectionID string) *entry {
	r.mu.RLock()
	e, ok := r.entries[collectionID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[collectionID]; ok {
		return e
	}
	e = &entry{col: Collection{
		ID:         collectionID,
		Components: make([]Component, 0),
		Status:     StatusGenerating,
		CreatedAt:  time.Now().UTC(),
	}}
	e.timer = time.AfterFunc(r.entryTimeout, func() { r.expire(collectionID, e) })
	r.entries[collectionID] = e

	metrics.CollectionsTotal.WithLabelValues("created").Inc()
	metrics.ActiveCollections.Inc()
	log.Debug().Str("collection_id", collectionID).Dur("ttl", r.entryTimeout).Msg("collection created")
	return e
}

func (r *Registry) expire(collectionID string, scheduled *entry) {
	if r.delete(collectionID, scheduled) {
		metrics.CollectionsTotal.WithLabelValues("expired").Inc()
		log.Info().Str("collection_id", collectionID).Msg("collection expired")
	}
}

// delete removes the entry for id. A non-nil want only deletes that exact entry.
func (r *Registry) delete(collectionID string, want *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[collectionID]
	if !ok || (want != nil && e != want) {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	e.timer.Stop()
	delete(r.entries, collectionID)
	metrics.ActiveCollections.Dec()
	return true
}

func (r *Registry) fireGenerated(collectionID string) {
	r.hookMu.RLock()
	hook := r.onGenerated
	r.hookMu.RUnlock()
	if hook == nil {
		log.Warn().Str("collection_id", collectionID).Msg("collection generated but no merge hook registered")
		return
	}
	r.hooksWG.Add(1)
	go func() {
		defer r.hooksWG.Done()
		hook(collectionID)
	}()
}

func (r *Registry) publish(event *notify.Event) {
	if event == nil || r.notifier == nil {
		return
	}
	r.notifier.Notify(*event)
}

func snapshot(col *Collection) Collection {
	out := *col
	out.Components = make([]Component, len(col.Components))
	for i, c := range col.Components {
		out.Components[i] = cloneComponent(c)
	}
	return out
}

func componentEvent(c Component) *notify.Event {
	return &notify.Event{
		CollectionID: c.CollectionID,
		ComponentID:  c.ID,
		Status:       string(c.Status),
		StorageKey:   c.StorageKey,
		Error:        c.Error,
	}
}

func collectionEvent(col *Collection) *notify.Event {
	return &notify.Event{
		CollectionID: col.ID,
		Status:       string(col.Status),
		StorageKey:   col.ArtifactKey,
		Error:        col.Error,
	}
}
