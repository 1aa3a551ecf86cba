package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/topicbridge/internal/discussion"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var kindStatus = map[discussion.Kind]int{
	discussion.KindValidation:        http.StatusBadRequest,
	discussion.KindEntitlementDenied: http.StatusForbidden,
	discussion.KindProfileResolution: http.StatusBadGateway,
	discussion.KindProvisioning:      http.StatusBadGateway,
	discussion.KindRemoteCreate:      http.StatusBadGateway,
	discussion.KindRemoteFetch:       http.StatusBadGateway,
	discussion.KindMappingConflict:   http.StatusConflict,
	discussion.KindInternal:          http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind discussion.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Upstream diagnostics are
// never exposed; they are logged where the failure happened.
func respondError(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	kind := discussion.KindOf(err)
	msg := "internal error"
	var e *discussion.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return c.JSON(StatusFor(kind), ErrorResponse{Error: string(kind), Message: msg})
}
