package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// StatusClientClosedRequest is returned when the caller went away first.
const StatusClientClosedRequest = 499

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{loop.ErrCancelled, StatusClientClosedRequest, "cancelled"},
	{loop.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{loop.ErrNotFound, http.StatusNotFound, "not_found"},
	{loop.ErrThresholdNotMet, http.StatusConflict, "threshold_not_met"},
	{loop.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{loop.ErrDuplicateID, http.StatusConflict, "duplicate_id"},
	{loop.ErrStoreConflict, http.StatusConflict, "store_conflict"},
	{loop.ErrEmbeddingUnavailable, http.StatusServiceUnavailable, "embedding_unavailable"},
	{loop.ErrIndexUnavailable, http.StatusServiceUnavailable, "index_unavailable"},
	{loop.ErrCollectionMissing, http.StatusServiceUnavailable, "collection_missing"},
}

// StatusOf maps an error to its HTTP status and error code.
func StatusOf(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// errorHandler renders every handler error as an ErrorResponse.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status int
		body   ErrorResponse
		he     *echo.HTTPError
	)
	if errors.As(err, &he) {
		status = he.Code
		body = ErrorResponse{Code: httpCode(he.Code), Message: fmt.Sprint(he.Message)}
	} else {
		status, body.Code = StatusOf(err)
		body.Message = err.Error()
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
		if body.Code == "internal" {
			body.Message = "internal error"
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}

func httpCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	}
	if status >= http.StatusInternalServerError {
		return "internal"
	}
	return "error"
}
