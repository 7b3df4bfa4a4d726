package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"pdfgen/internal/config"
)

const maxErrorMessage = 512

// HTTPRenderer calls the render service over HTTP.
type HTTPRenderer struct {
	client         *resty.Client
	path           string
	identityHeader string
	optionsHeader  string
}

type renderBody struct {
	CollectionID string   `json:"collectionId"`
	ComponentID  string   `json:"componentId"`
	Template     Template `json:"template"`
	Landscape    bool     `json:"landscape"`
}

type errorBody struct {
	Error json.RawMessage `json:"error"`
}

// NewHTTPRenderer creates a client for the configured render service.
// Per-attempt deadlines come from the request context.
func NewHTTPRenderer(cfg config.Renderer, identityHeader, optionsHeader string) *HTTPRenderer {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetHeader("User-Agent", "pdfgen/1.0")
	return &HTTPRenderer{
		client:         client,
		path:           cfg.Path,
		identityHeader: identityHeader,
		optionsHeader:  optionsHeader,
	}
}

func (r *HTTPRenderer) Render(ctx context.Context, req Request) ([]byte, error) {
	request := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/pdf").
		SetBody(renderBody{
			CollectionID: req.CollectionID,
			ComponentID:  req.ComponentID,
			Template:     req.Template,
			Landscape:    req.Landscape,
		})
	if req.Identity != "" && r.identityHeader != "" {
		request.SetHeader(r.identityHeader, req.Identity)
	}
	if req.DataOptions != "" && r.optionsHeader != "" {
		request.SetHeader(r.optionsHeader, req.DataOptions)
	}

	resp, err := request.Post(r.path)
	if err != nil {
		return nil, fmt.Errorf("render request failed: %w", err)
	}
	body := resp.Body()
	if resp.IsError() {
		return nil, &RenderError{Kind: KindHTTP, StatusCode: resp.StatusCode(), Message: errorMessage(body)}
	}
	if msg, ok := templateError(body); ok {
		return nil, &RenderError{Kind: KindTemplate, StatusCode: resp.StatusCode(), Message: msg}
	}
	if !bytes.HasPrefix(body, []byte("%PDF")) {
		return nil, &RenderError{Kind: KindInvalidOutput, StatusCode: resp.StatusCode(), Message: "response is not a PDF document"}
	}
	return body, nil
}

// templateError detects the {"error": ...} marker the render service returns when
// the template itself failed.
func templateError(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var eb errorBody
	if err := json.Unmarshal(trimmed, &eb); err != nil || len(eb.Error) == 0 || string(eb.Error) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(eb.Error, &s); err == nil {
		return s, true
	}
	return string(eb.Error), true
}

func errorMessage(body []byte) string {
	if msg, ok := templateError(body); ok {
		return msg
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}

var _ Renderer = (*HTTPRenderer)(nil)
