// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatchd/internal/maps"
	"dispatchd/internal/modules/dispatch"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/notification"
	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// isValidID ensures IDs are alphanumeric and at most 32 chars (matches the ID generator).
func isValidID(v string) bool {
	if v == "" || len(v) > 32 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return false
	}
	return true
}

// pathID reads and validates the :id parameter, writing 400 when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

// bindJSON decodes an optional body; an empty body leaves v untouched.
func bindJSON(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeServiceError(c *gin.Context, err error) {
	var ve *dispatch.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, pricing.ErrBadRequest), errors.Is(err, location.ErrBadSample),
		errors.Is(err, notification.ErrBadBroadcast):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, dispatch.ErrOfferNotFound),
		errors.Is(err, location.ErrWorkerNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, dispatch.ErrConflict),
		errors.Is(err, dispatch.ErrAssignmentConflict), errors.Is(err, dispatch.ErrActiveRequest),
		errors.Is(err, location.ErrWorkerBusy):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, pricing.ErrNoRateProfile), errors.Is(err, dispatch.ErrOTPMismatch),
		errors.Is(err, dispatch.ErrOTPExpired):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, dispatch.ErrOTPLocked):
		writeError(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, maps.ErrNoRoute):
		writeError(c, http.StatusBadGateway, err.Error())
	case errors.Is(err, maps.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusGatewayTimeout, "upstream timeout")
	case errors.Is(err, dispatch.ErrQueueFull):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
