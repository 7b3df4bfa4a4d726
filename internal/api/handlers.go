package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pdfgen/internal/collection"
	"pdfgen/internal/report"
	"pdfgen/internal/storage"
)

const healthTimeout = 3 * time.Second

// Registry is the read side of the collection registry.
type Registry interface {
	Get(collectionID string) (collection.Collection, error)
	TotalPages(collectionID string) int
	Len() int
}

// Creator starts new collections.
type Creator interface {
	Create(ctx context.Context, origin report.Origin, payloads []report.Payload) (string, error)
}

// Load reports executor utilisation.
type Load interface {
	IsBusy() bool
	InFlight() int
}

type Options struct {
	Registry       Registry
	Creator        Creator
	Storage        storage.Gateway
	Load           Load
	Prefix         string
	IdentityHeader string
	OptionsHeader  string
}

type API struct {
	registry       Registry
	creator        Creator
	store          storage.Gateway
	load           Load
	prefix         string
	identityHeader string
	optionsHeader  string
}

type createRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type createResponse struct {
	StatusID string `json:"statusID"`
}

type statusResponse struct {
	Status collection.Collection `json:"status"`
}

type errorDetail struct {
	Status      int    `json:"status"`
	StatusText  string `json:"statusText"`
	Description string `json:"description"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func NewAPI(opts Options) *API {
	return &API{
		registry:       opts.Registry,
		creator:        opts.Creator,
		store:          opts.Storage,
		load:           opts.Load,
		prefix:         strings.TrimRight(opts.Prefix, "/"),
		identityHeader: opts.IdentityHeader,
		optionsHeader:  opts.OptionsHeader,
	}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Health)
	api := router.Group(a.prefix)
	api.Use(Identity(a.identityHeader))
	{
		api.POST("/v2/create", a.Create)
		api.GET("/v2/status/:statusID", a.Status)
		api.GET("/v2/download/:ID", a.Download)
		api.POST("/v1/generate", a.GenerateDeprecated)
	}
}

// Create starts rendering a collection and returns its id
func (a *API) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		abortWithError(c, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	payloads, err := report.DecodePayloads(req.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("invalid create payload")
		abortWithError(c, http.StatusBadRequest, "Invalid payload", err.Error())
		return
	}

	origin := report.Origin{
		Identity:    c.GetString(ContextIdentity),
		DataOptions: c.GetHeader(a.optionsHeader),
	}
	collectionID, err := a.creator.Create(c.Request.Context(), origin, payloads)
	if err != nil {
		if errors.Is(err, report.ErrNoPayload) || errors.Is(err, report.ErrInvalidPayload) {
			log.Warn().Err(err).Msg("create rejected")
			abortWithError(c, http.StatusBadRequest, "Invalid payload", err.Error())
			return
		}
		log.Error().Err(err).Str("collection_id", collectionID).Msg("create failed")
		abortWithError(c, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}
	log.Info().
		Str("collection_id", collectionID).
		Int("components", len(payloads)).
		Str("account_id", c.GetString(ContextAccountID)).
		Msg("collection accepted")
	c.JSON(http.StatusAccepted, createResponse{StatusID: collectionID})
}

// Status returns the collection snapshot
func (a *API) Status(c *gin.Context) {
	id := c.Param("statusID")
	col, err := a.registry.Get(id)
	if err != nil {
		log.Warn().Str("collection_id", id).Msg("collection not found on status")
		abortWithError(c, http.StatusNotFound,
			"PDF status could not be determined; Please check the ID",
			"No PDF status found for "+id)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: col})
}

// Download streams the merged PDF inline once it is available
func (a *API) Download(c *gin.Context) {
	id := c.Param("ID")
	key := storage.Key(id)

	col, err := a.registry.Get(id)
	switch {
	case err == nil:
		if col.Status != collection.StatusGenerated || col.ArtifactKey == "" {
			log.Warn().Str("collection_id", id).Str("status", string(col.Status)).Msg("pdf not ready to download")
			abortWithError(c, http.StatusBadRequest, "pdf not ready", "PDF for "+id+" is "+string(col.Status))
			return
		}
		key = col.ArtifactKey
	case errors.Is(err, collection.ErrNotFound):
		// Expired collections can still be downloaded while the object exists.
	default:
		abortWithError(c, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}

	body, err := a.store.Download(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Str("collection_id", id).Str("key", key).Msg("pdf not found on download")
			abortWithError(c, http.StatusNotFound,
				"No PDF found; Please check the status of this ID",
				"No PDF found for "+id)
			return
		}
		log.Error().Err(err).Str("collection_id", id).Str("key", key).Msg("download failed")
		abortWithError(c, http.StatusBadRequest, "PDF status could not be determined", err.Error())
		return
	}
	defer func() { _ = body.Close() }()

	log.Info().Str("collection_id", id).Str("key", key).Msg("serving pdf download")
	c.DataFromReader(http.StatusOK, -1, "application/pdf", body, map[string]string{
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", id+".pdf"),
	})
}

// GenerateDeprecated answers the removed v1 endpoint
func (a *API) GenerateDeprecated(c *gin.Context) {
	c.String(http.StatusBadRequest, "This endpoint is deprecated. Please use /v2/create")
}

// Health checks storage reachability and reports executor load
func (a *API) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := gin.H{
		"status":      "ok",
		"collections": a.registry.Len(),
		"in_flight":   a.load.InFlight(),
		"busy":        a.load.IsBusy(),
	}
	if err := a.store.Health(ctx); err != nil {
		log.Warn().Err(err).Msg("storage health check failed")
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func abortWithError(c *gin.Context, status int, text, description string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: errorDetail{
		Status:      status,
		StatusText:  text,
		Description: description,
	}})
}
