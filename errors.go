package offlinekit

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNetworkFailure    = errors.New("network failure")
	ErrValidationFailure = errors.New("validation failure")
	ErrUnknownService    = errors.New("unknown service")
	ErrUnknownActionType = errors.New("unknown action type")
	ErrNotFound          = errors.New("not found")
	ErrNotConnected      = errors.New("not connected")
)

// ============================================================================
// Typed errors
// ============================================================================

// RateLimitError is returned when a service's window is already full.
// Callers must back off until RetryAfter has elapsed.
type RateLimitError struct {
	Service    string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: service %q allows %d requests per window, retry in %s",
		ErrRateLimitExceeded, e.Service, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// NetworkError is a transient failure: a transport error, a 5xx or a 429.
type NetworkError struct {
	Service    string
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s%s returned HTTP %d after %d attempt(s)",
			ErrNetworkFailure, e.Service, e.Endpoint, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("%s: %s%s after %d attempt(s): %v",
		ErrNetworkFailure, e.Service, e.Endpoint, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetworkFailure}
	}
	return []error{ErrNetworkFailure, e.Err}
}

// ValidationError is a non-retryable rejection by the remote service.
type ValidationError struct {
	Service    string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s%s returned HTTP %d: %s",
		ErrValidationFailure, e.Service, e.Endpoint, e.StatusCode, e.Body)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailure }

// isTransientStatus reports whether an HTTP status should be retried.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// ============================================================================
// Result
// ============================================================================

// APIError is the serializable form of an error carried in a Result.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the {ok, error} shape returned by orchestrating calls.
type Result struct {
	OK     bool      `json:"ok"`
	Queued bool      `json:"queued,omitempty"`
	Data   any       `json:"data,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

func okResult(data any) Result {
	return Result{OK: true, Data: data}
}

func errResult(err error) Result {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return Result{OK: false, Error: apiErr}
	}
	return Result{OK: false, Error: &APIError{Code: errorCode(err), Message: err.Error()}}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return "RATE_LIMITED"
	case errors.Is(err, ErrNetworkFailure):
		return "NETWORK"
	case errors.Is(err, ErrValidationFailure):
		return "VALIDATION"
	case errors.Is(err, ErrUnknownService), errors.Is(err, ErrUnknownActionType):
		return "CONFIGURATION"
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	default:
		return "INTERNAL"
	}
}
