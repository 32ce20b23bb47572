package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a notefeed error code.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"  // 400
	ErrNotFound        ErrorCode = "NOT_FOUND"        // 404
	ErrBufferStopped   ErrorCode = "BUFFER_STOPPED"   // 409
	ErrStaleGeneration ErrorCode = "STALE_GENERATION" // 409
	ErrRateLimited     ErrorCode = "RATE_LIMITED"     // 429
	ErrCoolingDown     ErrorCode = "COOLING_DOWN"     // 429
	ErrInternal        ErrorCode = "INTERNAL"         // 500
	ErrQueryFailed     ErrorCode = "QUERY_FAILED"     // 502
	ErrNoRelays        ErrorCode = "NO_RELAYS"        // 503
	ErrUnavailable     ErrorCode = "UNAVAILABLE"      // 503
)

// FeedError represents a structured error with code, status, and details.
type FeedError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *FeedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *FeedError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *FeedError {
	return &FeedError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing event, profile or record.
func NewNotFound(identifier string) *FeedError {
	return &FeedError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewBufferStopped creates a 409 error for adds after the ingestion buffer stopped.
func NewBufferStopped() *FeedError {
	return &FeedError{
		Code:    ErrBufferStopped,
		Status:  409,
		Message: "ingestion buffer stopped; ingest directly",
	}
}

// NewStaleGeneration creates a 409 error for an async result issued under an old feed generation.
func NewStaleGeneration(issued, current uint64) *FeedError {
	return &FeedError{
		Code:    ErrStaleGeneration,
		Status:  409,
		Message: fmt.Sprintf("result from generation %d discarded (current %d)", issued, current),
		Details: map[string]any{"issued": issued, "current": current},
	}
}

// NewRateLimited creates a 429 error when a trust provider keeps signalling rate limits.
func NewRateLimited(provider string) *FeedError {
	return &FeedError{
		Code:    ErrRateLimited,
		Status:  429,
		Message: fmt.Sprintf("rate limited by %s", provider),
		Details: map[string]any{"provider": provider},
	}
}

// NewCoolingDown creates a 429 error when a network page is requested inside the cooldown.
func NewCoolingDown(retryAfterMs int64) *FeedError {
	return &FeedError{
		Code:    ErrCoolingDown,
		Status:  429,
		Message: fmt.Sprintf("network pagination cooling down, retry in %dms", retryAfterMs),
		Details: map[string]any{"retry_after_ms": retryAfterMs},
	}
}

// NewQueryFailed creates a 502 error for a failed physical relay request.
func NewQueryFailed(err error) *FeedError {
	msg := "relay query failed"
	if err != nil {
		msg = fmt.Sprintf("relay query failed: %v", err)
	}
	return &FeedError{
		Code:    ErrQueryFailed,
		Status:  502,
		Message: msg,
		cause:   err,
	}
}

// NewNoRelays creates a 503 error when no usable relay pool exists after retries.
func NewNoRelays(attempts int) *FeedError {
	return &FeedError{
		Code:    ErrNoRelays,
		Status:  503,
		Message: fmt.Sprintf("no usable relays after %d attempts", attempts),
		Details: map[string]any{"attempts": attempts},
	}
}

// NewUnavailable creates a 503 error for an absent capability or an open circuit.
func NewUnavailable(what string, err error) *FeedError {
	return &FeedError{
		Code:    ErrUnavailable,
		Status:  503,
		Message: fmt.Sprintf("%s unavailable", what),
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *FeedError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &FeedError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error (or anything it wraps) is a FeedError with the given code.
func Is(err error, code ErrorCode) bool {
	var fErr *FeedError
	if stderrors.As(err, &fErr) {
		return fErr.Code == code
	}
	return false
}

// As extracts the FeedError from err, if any.
func As(err error) (*FeedError, bool) {
	var fErr *FeedError
	if stderrors.As(err, &fErr) {
		return fErr, true
	}
	return nil, false
}
