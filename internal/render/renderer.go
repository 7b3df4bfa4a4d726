package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTimeout is returned when a render attempt exceeds the task timeout.
var ErrTimeout = errors.New("render timed out")

// ErrInvalidRequest is returned by Submit for requests without ids.
var ErrInvalidRequest = errors.New("render request requires collection and component ids")

type Kind string

const (
	KindHTTP          Kind = "http"
	KindTemplate      Kind = "template"
	KindInvalidOutput Kind = "invalid_output"
)

// RenderError is a failure reported by the renderer itself.
type RenderError struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *RenderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("render %s error (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("render %s error: %s", e.Kind, e.Message)
}

// Template references the front-end module that renders one component.
type Template struct {
	ManifestLocation string          `json:"manifestLocation"`
	Scope            string          `json:"scope"`
	Module           string          `json:"module"`
	ImportName       string          `json:"importName,omitempty"`
	FetchDataParams  json.RawMessage `json:"fetchDataParams,omitempty"`
}

// Request is one component render job.
type Request struct {
	CollectionID string
	ComponentID  string
	Order        *int
	Template     Template
	Landscape    bool
	// Identity is the raw identity header of the originating request.
	Identity string
	// DataOptions is the raw data options header, forwarded as is.
	DataOptions string
}

// Renderer turns a request into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, req Request) ([]byte, error)
}
