package router

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/infra/cache"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/worker/credential"
	"github.com/compozy/taskengine/engine/worker/hook"
)

const (
	ErrInternalCode        = "INTERNAL_ERROR"
	ErrBadRequestCode      = "BAD_REQUEST"
	ErrUnauthorizedCode    = "UNAUTHORIZED"
	ErrForbiddenCode       = "FORBIDDEN"
	ErrNotFoundCode        = "NOT_FOUND"
	ErrConflictCode        = "CONFLICT"
	ErrDuplicateCode       = "DUPLICATE_REQUEST"
	ErrPayloadTooLargeCode = "PAYLOAD_TOO_LARGE"
	ErrUnavailableCode     = "SERVICE_UNAVAILABLE"
	ErrRateLimitedCode     = "RATE_LIMITED"
)

// RequestError is a failure raised by request handling itself, before any
// domain call.
type RequestError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func NewRequestError(statusCode int, reason string, err error) *RequestError {
	return &RequestError{StatusCode: statusCode, Reason: reason, Err: err}
}

// Classify maps an error to its HTTP status and problem code.
func Classify(err error) (int, string) {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode, codeForStatus(reqErr.StatusCode)
	case errors.Is(err, credential.ErrUnauthorized):
		return http.StatusUnauthorized, ErrUnauthorizedCode
	case errors.Is(err, hook.ErrForbidden), errors.Is(err, task.ErrForbidden):
		return http.StatusForbidden, ErrForbiddenCode
	case errors.Is(err, task.ErrNotFound), errors.Is(err, app.ErrAppNotFound):
		return http.StatusNotFound, ErrNotFoundCode
	case errors.Is(err, cache.ErrDuplicate):
		return http.StatusConflict, ErrDuplicateCode
	case errors.Is(err, task.ErrConflict):
		return http.StatusConflict, ErrConflictCode
	case errors.Is(err, task.ErrInvalidParams), errors.Is(err, task.ErrUnknownTask),
		errors.Is(err, hook.ErrEmptyURLRequests):
		return http.StatusBadRequest, ErrBadRequestCode
	case errors.Is(err, hook.ErrStorageDisabled):
		return http.StatusServiceUnavailable, ErrUnavailableCode
	}
	return http.StatusInternalServerError, ErrInternalCode
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequestCode
	case http.StatusUnauthorized:
		return ErrUnauthorizedCode
	case http.StatusForbidden:
		return ErrForbiddenCode
	case http.StatusNotFound:
		return ErrNotFoundCode
	case http.StatusConflict:
		return ErrConflictCode
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLargeCode
	case http.StatusServiceUnavailable:
		return ErrUnavailableCode
	case http.StatusTooManyRequests:
		return ErrRateLimitedCode
	default:
		return ErrInternalCode
	}
}
