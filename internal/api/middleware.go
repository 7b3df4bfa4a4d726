package api

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pdfgen/internal/metrics"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// Context keys set by Identity.
const (
	ContextIdentity  = "identity"
	ContextAccountID = "account_id"
)

// ZerologLogger is a Gin middleware that logs requests using zerolog.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		method := c.Request.Method
		clientIP := c.ClientIP()
		ua := c.Request.UserAgent()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()

		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}

		if raw != "" {
			path = path + "?" + raw
		}

		evt.
			Int("status", status).
			Str("method", method).
			Str("path", path).
			Dur("latency", latency).
			Str("client_ip", clientIP).
			Int("bytes", size).
			Str("user_agent", ua).
			Str("account_id", c.GetString(ContextAccountID)).
			Msg("http request completed")
	}
}

// Metrics records request counts and latencies per route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}

type identityHeader struct {
	Identity struct {
		User struct {
			UserID string `json:"user_id"`
		} `json:"user"`
	} `json:"identity"`
}

// Identity reads the base64 JSON identity header. The raw value is kept for
// forwarding to the renderer; a malformed header is logged and otherwise ignored.
func Identity(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(header)
		if header == "" || raw == "" {
			c.Next()
			return
		}
		c.Set(ContextIdentity, raw)

		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			log.Warn().Err(err).Msg("identity header is not base64")
			c.Next()
			return
		}
		var id identityHeader
		if err := json.Unmarshal(decoded, &id); err != nil {
			log.Warn().Err(err).Msg("identity header is not json")
			c.Next()
			return
		}
		if id.Identity.User.UserID != "" {
			c.Set(ContextAccountID, id.Identity.User.UserID)
		}
		c.Next()
	}
}
