// Package render runs component render tasks with bounded concurrency, retries
// and per-attempt timeouts, and reports each outcome back to the collection registry.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"pdfgen/internal/collection"
	"pdfgen/internal/metrics"
	"pdfgen/internal/storage"
)

const (
	DefaultMaxConcurrency = 2
	DefaultRetryLimit     = 2
	DefaultTaskTimeout    = 60 * time.Second
)

// Reporter receives task outcomes.
type Reporter interface {
	ReportComponent(collectionID string, component collection.Component)
	Evaluate(collectionID string)
}

// PageCounter counts pages of a rendered document.
type PageCounter interface {
	PageCount(doc []byte) (int, error)
}

type Options struct {
	MaxConcurrency int
	// RetryLimit is the number of retries after the first attempt.
	RetryLimit  int
	TaskTimeout time.Duration
}

// Executor runs render tasks in the background
type Executor struct {
	mu          sync.RWMutex
	renderer    Renderer
	store       storage.Gateway
	pages       PageCounter
	reporter    Reporter
	semaphore   chan struct{}
	retryLimit  int
	taskTimeout time.Duration
	workersWG   sync.WaitGroup
	baseCtx     context.Context
	inFlight    atomic.Int64
}

// NewExecutor creates an executor. Non-positive options fall back to defaults.
func NewExecutor(renderer Renderer, store storage.Gateway, pages PageCounter, reporter Reporter, opts Options) *Executor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.RetryLimit < 0 {
		opts.RetryLimit = 0
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	return &Executor{
		renderer:    renderer,
		store:       store,
		pages:       pages,
		reporter:    reporter,
		semaphore:   make(chan struct{}, opts.MaxConcurrency),
		retryLimit:  opts.RetryLimit,
		taskTimeout: opts.TaskTimeout,
		baseCtx:     context.Background(),
	}
}

// Submit queues a task and returns immediately.
func (e *Executor) Submit(req Request) error {
	if req.CollectionID == "" || req.ComponentID == "" {
		return ErrInvalidRequest
	}
	e.inFlight.Add(1)
	metrics.TasksInFlight.Inc()
	e.workersWG.Add(1)
	go func() {
		defer e.workersWG.Done()
		defer func() {
			e.inFlight.Add(-1)
			metrics.TasksInFlight.Dec()
		}()
		e.run(req)
	}()
	return nil
}

// IsBusy reports whether every worker slot is taken.
func (e *Executor) IsBusy() bool {
	return len(e.semaphore) >= cap(e.semaphore)
}

// InFlight returns the number of queued or running tasks.
func (e *Executor) InFlight() int {
	return int(e.inFlight.Load())
}

// SetBaseContext sets the context that bounds all tasks.
// Intended to be set at process startup and cancelled during shutdown.
func (e *Executor) SetBaseContext(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Drain blocks until all submitted tasks finish or the context is done.
// Returns true if all tasks finished.
func (e *Executor) Drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		e.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) run(req Request) {
	e.mu.RLock()
	ctx := e.baseCtx
	e.mu.RUnlock()

	select {
	case e.semaphore <- struct{}{}:
	case <-ctx.Done():
		e.fail(req, fmt.Errorf("task cancelled before start: %w", ctx.Err()))
		return
	}
	defer func() { <-e.semaphore }()

	var lastErr error
	attempts := 1 + e.retryLimit
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("task cancelled: %w", err)
			break
		}
		key, pages, err := e.attempt(ctx, req)
		if err == nil {
			e.succeed(req, key, pages, attempt)
			return
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("collection_id", req.CollectionID).
			Str("component_id", req.ComponentID).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("render attempt failed")
	}
	e.fail(req, lastErr)
}

// attempt renders, counts pages and uploads. Every step shares the attempt deadline.
func (e *Executor) attempt(ctx context.Context, req Request) (string, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()
	start := time.Now()

	doc, err := e.renderer.Render(attemptCtx, req)
	if err != nil {
		err = e.classify(ctx, attemptCtx, err)
		metrics.RecordRenderAttempt(outcome(err), time.Since(start).Seconds())
		return "", 0, err
	}

	pages, err := e.pages.PageCount(doc)
	if err != nil {
		err = &RenderError{Kind: KindInvalidOutput, Message: err.Error()}
		metrics.RecordRenderAttempt(outcome(err), time.Since(start).Seconds())
		return "", 0, err
	}

	key := storage.Key(req.ComponentID)
	if err := e.store.Upload(attemptCtx, key, bytes.NewReader(doc), int64(len(doc))); err != nil {
		err = e.classify(ctx, attemptCtx, fmt.Errorf("upload %s: %w", key, err))
		metrics.RecordRenderAttempt(outcome(err), time.Since(start).Seconds())
		return "", 0, err
	}

	metrics.RecordRenderAttempt(metrics.StatusSuccess, time.Since(start).Seconds())
	return key, pages, nil
}

// classify turns an attempt deadline into ErrTimeout, leaving shutdown cancellation as is.
func (e *Executor) classify(parent, attemptCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, e.taskTimeout, err)
	}
	return err
}

func (e *Executor) succeed(req Request, key string, pages, attempt int) {
	log.Info().
		Str("collection_id", req.CollectionID).
		Str("component_id", req.ComponentID).
		Str("key", key).
		Int("pages", pages).
		Int("attempt", attempt).
		Msg("component generated")
	e.reporter.ReportComponent(req.CollectionID, collection.Component{
		ID:         req.ComponentID,
		Status:     collection.StatusGenerated,
		StorageKey: key,
		Order:      req.Order,
		PageCount:  collection.IntPtr(pages),
	})
	e.reporter.Evaluate(req.CollectionID)
}

func (e *Executor) fail(req Request, err error) {
	reason := "render failed"
	if err != nil {
		reason = err.Error()
	}
	log.Error().
		Str("collection_id", req.CollectionID).
		Str("component_id", req.ComponentID).
		Str("error", reason).
		Msg("component failed")
	e.reporter.ReportComponent(req.CollectionID, collection.Component{
		ID:     req.ComponentID,
		Status: collection.StatusFailed,
		Order:  req.Order,
		Error:  reason,
	})
	e.reporter.Evaluate(req.CollectionID)
}

func outcome(err error) string {
	var renderErr *RenderError
	switch {
	case err == nil:
		return metrics.StatusSuccess
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &renderErr):
		return string(renderErr.Kind)
	default:
		return metrics.StatusError
	}
}
