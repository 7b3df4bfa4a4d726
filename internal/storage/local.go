package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	fileutil "pdfgen/internal/file"
	"pdfgen/internal/metrics"
)

const backendLocal = "local"

// LocalStorage keeps artifacts on the local filesystem under basePath.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("local storage path is required")
	}
	if err := fileutil.EnsureDir(basePath); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{basePath: basePath}, nil
}

func (l *LocalStorage) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	start := time.Now()
	path, err := l.path(key)
	if err == nil {
		var written int64
		written, err = fileutil.CopyAtomic(path, body)
		if err == nil {
			log.Debug().Str("key", key).Int64("bytes", written).Msg("file uploaded to local storage")
		}
	}
	metrics.RecordStorageOperation(backendLocal, "upload", err, time.Since(start).Seconds())
	return err
}

func (l *LocalStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := l.open(key)
	metrics.RecordStorageOperation(backendLocal, "download", err, time.Since(start).Seconds())
	return rc, err
}

func (l *LocalStorage) open(key string) (io.ReadCloser, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // path is confined to basePath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Health checks that the storage directory is writable.
func (l *LocalStorage) Health(_ context.Context) error {
	testFile := filepath.Join(l.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}

// path maps a key onto the filesystem and rejects keys escaping basePath.
func (l *LocalStorage) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimSpace(key)))
	if cleaned == "." || cleaned == "" || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.basePath, cleaned), nil
}

var _ Gateway = (*LocalStorage)(nil)
