// Package merge combines the rendered components of a Generated collection into
// one page-numbered PDF and stores it under the collection key.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pdfgen/internal/collection"
	"pdfgen/internal/metrics"
	"pdfgen/internal/storage"
)

const (
	defaultMergeTimeout  = 5 * time.Minute
	maxParallelDownloads = 8
)

// Registry is the part of the collection registry the coordinator needs.
type Registry interface {
	Get(collectionID string) (collection.Collection, error)
	MarkMerged(collectionID, key string) error
	MarkFailed(collectionID, reason string) error
}

// Assembler concatenates documents and stamps page numbers.
type Assembler interface {
	Merge(docs [][]byte) ([]byte, error)
	AddPageNumbers(doc []byte) ([]byte, error)
}

type Options struct {
	// Timeout bounds one merge, downloads and upload included.
	Timeout time.Duration
}

// Coordinator merges collections. At most one merge per collection runs at a time.
type Coordinator struct {
	registry  Registry
	store     storage.Gateway
	assembler Assembler
	timeout   time.Duration

	mu         sync.Mutex
	inProgress map[string]struct{}
	baseCtx    context.Context
}

func NewCoordinator(registry Registry, store storage.Gateway, assembler Assembler, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultMergeTimeout
	}
	return &Coordinator{
		registry:   registry,
		store:      store,
		assembler:  assembler,
		timeout:    opts.Timeout,
		inProgress: make(map[string]struct{}),
		baseCtx:    context.Background(),
	}
}

// SetBaseContext sets the context that bounds merges started by Trigger.
func (c *Coordinator) SetBaseContext(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()
}

// Trigger is registered as the registry's OnGenerated hook.
func (c *Coordinator) Trigger(collectionID string) {
	c.mu.Lock()
	base := c.baseCtx
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, c.timeout)
	defer cancel()
	err := c.Merge(ctx, collectionID)
	switch {
	case err == nil:
	case errors.Is(err, ErrInProgress), errors.Is(err, ErrNotReady):
		log.Debug().Err(err).Str("collection_id", collectionID).Msg("merge skipped")
	default:
		log.Error().Err(err).Str("collection_id", collectionID).Msg("merge failed")
	}
}

// Merge downloads every component in order, concatenates them, adds page numbers
// and uploads the result. A failed merge marks the collection Failed.
func (c *Coordinator) Merge(ctx context.Context, collectionID string) error {
	if !c.begin(collectionID) {
		return ErrInProgress
	}
	defer c.end(collectionID)

	col, err := c.registry.Get(collectionID)
	if err != nil {
		return fmt.Errorf("merge %s: %w", collectionID, err)
	}
	if col.Status != collection.StatusGenerated {
		return fmt.Errorf("merge %s (status %s): %w", collectionID, col.Status, ErrNotReady)
	}
	if col.ArtifactKey != "" {
		log.Debug().Str("collection_id", collectionID).Str("key", col.ArtifactKey).Msg("collection already merged")
		return nil
	}

	start := time.Now()
	key, size, err := c.assemble(ctx, col)
	metrics.RecordMerge(err, time.Since(start).Seconds())
	if err != nil {
		if markErr := c.registry.MarkFailed(collectionID, "merge failed: "+err.Error()); markErr != nil {
			log.Warn().Err(markErr).Str("collection_id", collectionID).Msg("mark failed after merge error")
		}
		return err
	}
	if err := c.registry.MarkMerged(collectionID, key); err != nil {
		return fmt.Errorf("record merged artifact: %w", err)
	}
	log.Info().
		Str("collection_id", collectionID).
		Str("key", key).
		Int("components", len(col.Components)).
		Int("bytes", size).
		Dur("took", time.Since(start)).
		Msg("merge finished")
	return nil
}

func (c *Coordinator) assemble(ctx context.Context, col collection.Collection) (string, int, error) {
	components := SortComponents(col.Components)
	docs, err := c.download(ctx, col.ID, components)
	if err != nil {
		return "", 0, err
	}

	merged, err := c.assembler.Merge(docs)
	if err != nil {
		return "", 0, &MergeError{CollectionID: col.ID, Op: OpConcat, Err: err}
	}
	numbered, err := c.assembler.AddPageNumbers(merged)
	if err != nil {
		return "", 0, &MergeError{CollectionID: col.ID, Op: OpPageNumbers, Err: err}
	}

	key := storage.Key(col.ID)
	if err := c.store.Upload(ctx, key, bytes.NewReader(numbered), int64(len(numbered))); err != nil {
		return "", 0, &MergeError{CollectionID: col.ID, Op: OpUpload, Err: err}
	}
	return key, len(numbered), nil
}

// download fetches all artifacts concurrently; docs[i] belongs to components[i].
func (c *Coordinator) download(ctx context.Context, collectionID string, components []collection.Component) ([][]byte, error) {
	docs := make([][]byte, len(components))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for i, component := range components {
		g.Go(func() error {
			key := component.StorageKey
			if key == "" {
				key = storage.Key(component.ID)
			}
			data, err := storage.ReadAll(gctx, c.store, key)
			if err != nil {
				return &MergeError{CollectionID: collectionID, ComponentID: component.ID, Op: OpDownload, Err: err}
			}
			docs[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return docs, nil
}

// SortComponents orders components by Order ascending. Components without an
// order go last and keep their arrival order.
func SortComponents(components []collection.Component) []collection.Component {
	sorted := append([]collection.Component(nil), components...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Order, sorted[j].Order
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return sorted
}

func (c *Coordinator) begin(collectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inProgress[collectionID]; ok {
		return false
	}
	c.inProgress[collectionID] = struct{}{}
	return true
}

func (c *Coordinator) end(collectionID string) {
	c.mu.Lock()
	delete(c.inProgress, collectionID)
	c.mu.Unlock()
}
