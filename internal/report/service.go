// Package report turns a create request into a collection and one render task per payload.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pdfgen/internal/collection"
	"pdfgen/internal/render"
)

var (
	ErrNoPayload      = errors.New("no payload provided")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload describes one component of a report.
type Payload struct {
	ManifestLocation string          `json:"manifestLocation"`
	Scope            string          `json:"scope"`
	Module           string          `json:"module"`
	ImportName       string          `json:"importName,omitempty"`
	FetchDataParams  json.RawMessage `json:"fetchDataParams,omitempty"`
	Order            *int            `json:"order,omitempty"`
	Landscape        bool            `json:"landscape,omitempty"`
}

// Validate checks the fields the renderer needs to locate the template.
func (p Payload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.ManifestLocation) == "" {
		missing = append(missing, "manifestLocation")
	}
	if strings.TrimSpace(p.Scope) == "" {
		missing = append(missing, "scope")
	}
	if strings.TrimSpace(p.Module) == "" {
		missing = append(missing, "module")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

// Registry is the subset of the collection registry used by intake.
type Registry interface {
	RegisterExpectedLength(collectionID string, n int)
	ReportComponent(collectionID string, component collection.Component)
}

// Submitter queues render tasks.
type Submitter interface {
	Submit(req render.Request) error
}

// Origin carries request headers forwarded to the renderer.
type Origin struct {
	Identity    string
	DataOptions string
}

type Service struct {
	registry  Registry
	submitter Submitter
	newID     func() string
}

func NewService(registry Registry, submitter Submitter) *Service {
	return &Service{registry: registry, submitter: submitter, newID: uuid.NewString}
}

// Create registers a new collection with one component per payload and queues
// the render tasks. It returns the collection id.
func (s *Service) Create(ctx context.Context, origin Origin, payloads []Payload) (string, error) {
	if len(payloads) == 0 {
		return "", ErrNoPayload
	}
	for i, p := range payloads {
		if err := p.Validate(); err != nil {
			return "", fmt.Errorf("payload %d: %w", i, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("create collection: %w", err)
	}

	collectionID := s.newID()
	s.registry.RegisterExpectedLength(collectionID, len(payloads))

	for i, p := range payloads {
		order := p.Order
		if order == nil {
			order = collection.IntPtr(i)
		}
		componentID := s.newID()
		s.registry.ReportComponent(collectionID, collection.Component{
			ID:     componentID,
			Status: collection.StatusGenerating,
			Order:  order,
		})
		req := render.Request{
			CollectionID: collectionID,
			ComponentID:  componentID,
			Order:        order,
			Template: render.Template{
				ManifestLocation: p.ManifestLocation,
				Scope:            p.Scope,
				Module:           p.Module,
				ImportName:       p.ImportName,
				FetchDataParams:  p.FetchDataParams,
			},
			Landscape:   p.Landscape,
			Identity:    origin.Identity,
			DataOptions: origin.DataOptions,
		}
		if err := s.submitter.Submit(req); err != nil {
			s.registry.ReportComponent(collectionID, collection.Component{
				ID:     componentID,
				Status: collection.StatusFailed,
				Order:  order,
				Error:  err.Error(),
			})
			return collectionID, fmt.Errorf("submit component %s: %w", componentID, err)
		}
		log.Debug().
			Str("collection_id", collectionID).
			Str("component_id", componentID).
			Int("order", *order).
			Msg("render task queued")
	}

	log.Info().Str("collection_id", collectionID).Int("components", len(payloads)).Msg("collection created")
	return collectionID, nil
}

// DecodePayloads accepts either a single payload object or an array of payloads.
func DecodePayloads(raw json.RawMessage) ([]Payload, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, ErrNoPayload
	}
	if strings.HasPrefix(trimmed, "[") {
		var payloads []Payload
		if err := json.Unmarshal(raw, &payloads); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if len(payloads) == 0 {
			return nil, ErrNoPayload
		}
		return payloads, nil
	}
	var single Payload
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return []Payload{single}, nil
}
