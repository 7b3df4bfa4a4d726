// Package storage persists PDF artifacts by key. Backends are selected at startup;
// the rest of the service only depends on the Gateway interface.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pdfgen/internal/config"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

const contentTypePDF = "application/pdf"

// Gateway stores and retrieves artifact bytes. Implementations must be safe for
// concurrent use by many in-flight render and merge tasks.
type Gateway interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	// Download returns the object body; callers must close it. Missing objects yield ErrNotFound.
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Health(ctx context.Context) error
}

// Key derives the object key for a component or collection id.
func Key(id string) string { return id + ".pdf" }

// New builds the backend selected by configuration.
func New(ctx context.Context, cfg config.Storage) (Gateway, error) { //nolint:ireturn
	switch cfg.Backend {
	case config.StorageLocal:
		return NewLocalStorage(cfg.LocalPath)
	case config.StorageS3:
		return NewS3Storage(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

// ReadAll downloads an object fully into memory.
func ReadAll(ctx context.Context, g Gateway, key string) ([]byte, error) {
	body, err := g.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
