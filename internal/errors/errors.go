package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

type ErrorCode string

const (
	// CodeValidation rejects a batch before any job is created.
	CodeValidation ErrorCode = "validation_error"
	CodeNotFound   ErrorCode = "not_found"
	// CodeInfrastructure marks store or broker failures that are retried
	// below the service boundary.
	CodeInfrastructure ErrorCode = "infrastructure_error"
	CodeInvalidState   ErrorCode = "invalid_state"
	CodeBadRequest     ErrorCode = "bad_request"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
	// Reasons lists every individual problem found for validation errors.
	Reasons []string
}

func (se ServiceError) Error() string {
	if len(se.Reasons) == 0 {
		return se.Message
	}

	return fmt.Sprintf("%s: %s", se.Message, strings.Join(se.Reasons, "; "))
}

func (se ServiceError) Unwrap() error {
	return se.Err
}

func Validation(message string, reasons ...string) ServiceError {
	return ServiceError{
		Code:    CodeValidation,
		Message: message,
		Reasons: reasons,
	}
}

func NotFound(message string, err error) ServiceError {
	return ServiceError{
		Code:    CodeNotFound,
		Message: message,
		Err:     err,
	}
}

func Infrastructure(message string, err error) ServiceError {
	return ServiceError{
		Code:    CodeInfrastructure,
		Message: message,
		Err:     err,
	}
}

func InvalidState(message string) ServiceError {
	return ServiceError{
		Code:    CodeInvalidState,
		Message: message,
	}
}

func BadRequest(message string, err error) ServiceError {
	return ServiceError{
		Code:    CodeBadRequest,
		Message: message,
		Err:     err,
	}
}

// IsCode reports whether any ServiceError in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	var se ServiceError
	if stderrors.As(err, &se) {
		return se.Code == code
	}

	return false
}
