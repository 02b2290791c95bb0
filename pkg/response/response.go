package response

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/observability"
)

// Envelope represents the common response contract.
type Envelope struct {
	Data  interface{}            `json:"data,omitempty"`
	Error *ErrorBody             `json:"error,omitempty"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}

// ErrorBody is the public part of an error. Internal causes never reach it.
type ErrorBody struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Details     []appErrors.FieldError `json:"details,omitempty"`
	RetryAfter  int64                  `json:"retry_after,omitempty"`
	LockedUntil string                 `json:"locked_until,omitempty"`
}

// JSON sends a success response with optional metadata.
func JSON(c *gin.Context, status int, data interface{}, meta ...map[string]interface{}) {
	noStore(c)
	envelope := Envelope{Data: data}
	if len(meta) > 0 && meta[0] != nil {
		envelope.Meta = meta[0]
	}
	c.JSON(status, envelope)
}

// Created responds with HTTP 201 Created.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data)
}

// Error sends an error response converting the error to the common structure.
// The error is attached to the context so the request logger can pick the
// right level, and server-side failures are reported to Sentry.
func Error(c *gin.Context, err error) {
	desc := appErrors.Describe(err)
	body := &ErrorBody{
		Code:       desc.Code,
		Message:    desc.Message,
		Details:    desc.Fields,
		RetryAfter: desc.RetryAfter,
	}
	if appErr := appErrors.FromError(err); appErr != nil && appErr.LockedUntil != nil {
		body.LockedUntil = appErr.LockedUntil.UTC().Format(time.RFC3339)
	}
	if desc.RetryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(desc.RetryAfter, 10))
	}

	_ = c.Error(err)
	observability.CaptureError(c, err)

	noStore(c)
	c.AbortWithStatusJSON(desc.Status, Envelope{Error: body})
}

// NoContent sends a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
