// Package handlers provides the HTTP handlers of the sync engine's control
// API: timeline configuration, projections (JSON and server-sent events),
// interaction actions, accounts, stream status and retention.
//
// This file defines the response helpers shared by every endpoint. Errors
// always use ErrorResponse with a stable code; 5xx responses are logged with
// the request-scoped logger.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/fedi-timeline-sync/internal/engine"
	"github.com/tbourn/fedi-timeline-sync/internal/http/middleware"
	"github.com/tbourn/fedi-timeline-sync/internal/mastodon"
	"github.com/tbourn/fedi-timeline-sync/internal/services"
	"github.com/tbourn/fedi-timeline-sync/internal/stream"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message
	Message string `json:"message" example:"timeline not found"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps engine and service errors onto status codes.
func failErr(c *gin.Context, err error) {
	var (
		apiErr     *mastodon.APIError
		storageErr *services.StorageError
	)
	switch {
	case errors.Is(err, services.ErrTimelineNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrInvalidTimeline):
		fail(c, http.StatusBadRequest, ErrCodeInvalidTimeline, err.Error())
	case errors.Is(err, services.ErrInvalidAction):
		fail(c, http.StatusBadRequest, ErrCodeInvalidAction, err.Error())
	case errors.Is(err, services.ErrUnknownBackend), errors.Is(err, mastodon.ErrUnknownAccount):
		fail(c, http.StatusNotFound, ErrCodeUnknownBackend, err.Error())
	case errors.Is(err, stream.ErrUnknownStream):
		fail(c, http.StatusNotFound, ErrCodeUnknownStream, err.Error())
	case errors.Is(err, engine.ErrIdle):
		fail(c, http.StatusConflict, ErrCodeEngineIdle, err.Error())
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == http.StatusTooManyRequests {
			fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
			return
		}
		fail(c, http.StatusBadGateway, ErrCodeUpstreamFailed, err.Error())
	case errors.As(err, &storageErr):
		fail(c, http.StatusInternalServerError, ErrCodeStorageFailed, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
