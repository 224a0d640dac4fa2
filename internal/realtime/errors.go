package realtime

import (
	"errors"
	"fmt"
	"time"
)

// Wire error codes. The client UI keys recovery behavior off these:
// ACCESS_DENIED / VALIDATION_ERROR / RATE_LIMITED mean "rejected, fix and
// retry"; INTERNAL means "failed, retry later".
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeAccessDenied = "ACCESS_DENIED"
	CodeValidation   = "VALIDATION_ERROR"
	CodeRateLimited  = "RATE_LIMITED"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL"
)

// RequestError is a per-request failure reported to the originating
// connection only — it is never broadcast and never tears the connection
// down. Internal errors carry the wrapped cause for logging but expose only
// a generic message on the wire.
type RequestError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *RequestError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.cause
}

func errAccessDenied(message string) *RequestError {
	return &RequestError{Code: CodeAccessDenied, Message: message}
}

func errValidation(message string) *RequestError {
	return &RequestError{Code: CodeValidation, Message: message}
}

func errRateLimited(retryAfter time.Duration) *RequestError {
	return &RequestError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded, retry later",
		RetryAfter: retryAfter,
	}
}

func errNotFound(message string) *RequestError {
	return &RequestError{Code: CodeNotFound, Message: message}
}

func errInternal(cause error) *RequestError {
	return &RequestError{
		Code:    CodeInternal,
		Message: "internal error",
		cause:   cause,
	}
}

// asRequestError maps any error to a RequestError, wrapping unknown errors
// as internal so nothing from the store or cache leaks to the client.
func asRequestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return errInternal(err)
}
