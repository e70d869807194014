package api

import (
	stderrors "errors"
	"net/http"

	"github.com/openbuilders/payout-orchestrator/internal/errors"
)

type APIErrorCode string

const (
	InvalidBody   APIErrorCode = "invalid_body"
	InvalidID     APIErrorCode = "invalid_id"
	InvalidLimit  APIErrorCode = "invalid_limit"
	InternalError APIErrorCode = "internal_error"
	NotReady      APIErrorCode = "not_ready"
)

// APIError represents a request problem detected by the HTTP layer itself.
type APIError struct {
	Code    APIErrorCode
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}

	return e.Message
}

// describe maps err to the HTTP status, the error code and the message sent
// to the client.
func describe(err error) (int, string, string) {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		if apiErr.Code == NotReady {
			return http.StatusServiceUnavailable, string(apiErr.Code), apiErr.Error()
		}
		return http.StatusBadRequest, string(apiErr.Code), apiErr.Error()
	}

	var se errors.ServiceError
	if stderrors.As(err, &se) {
		switch se.Code {
		case errors.CodeValidation:
			return http.StatusUnprocessableEntity, string(se.Code), se.Error()
		case errors.CodeNotFound:
			return http.StatusNotFound, string(se.Code), se.Message
		case errors.CodeBadRequest:
			return http.StatusBadRequest, string(se.Code), se.Message
		case errors.CodeInvalidState:
			return http.StatusConflict, string(se.Code), se.Message
		default:
			// infrastructure details stay in the logs
			return http.StatusInternalServerError, string(se.Code), se.Message
		}
	}

	return http.StatusInternalServerError, string(InternalError),
		"internal error"
}
