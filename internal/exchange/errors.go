// errors.go defines the error taxonomy for the exchange gateway.
//
// Every REST failure is classified into exactly one class so callers can
// branch on retryability without inspecting HTTP details:
//
//   - Transient:      network errors, 5xx — retried with backoff
//   - RateLimited:    429 — retried with backoff
//   - Auth:           401/403 — fatal at startup, halts trading at runtime
//   - InvalidRequest: 400/422 — caller bug or exchange rule, never retried
//   - NotFound:       404 — never retried
package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrClass is the retryability class of a gateway error.
type ErrClass string

const (
	ClassTransient      ErrClass = "transient"
	ClassRateLimited    ErrClass = "rate_limited"
	ClassAuth           ErrClass = "auth"
	ClassInvalidRequest ErrClass = "invalid_request"
	ClassNotFound       ErrClass = "not_found"
)

// APIError is a classified failure from the exchange REST API.
type APIError struct {
	Class   ErrClass
	Op      string // e.g. "place order"
	Status  int    // HTTP status, 0 for network errors
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Class)
	}
	return fmt.Sprintf("%s: status %d: %s (%s)", e.Op, e.Status, e.Message, e.Class)
}

// Retryable reports whether the error may succeed on retry.
func (e *APIError) Retryable() bool {
	return e.Class == ClassTransient || e.Class == ClassRateLimited
}

// classify maps an HTTP status to an error class.
func classify(status int) ErrClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusNotFound:
		return ClassNotFound
	case status >= 500:
		return ClassTransient
	default:
		return ClassInvalidRequest
	}
}

func apiErr(op string, status int, body string) *APIError {
	return &APIError{Class: classify(status), Op: op, Status: status, Message: body}
}

func netErr(op string, err error) *APIError {
	return &APIError{Class: ClassTransient, Op: op, Message: err.Error()}
}

// IsRetryable reports whether err is a gateway error worth retrying.
func IsRetryable(err error) bool {
	var apiError *APIError
	if errors.As(err, &apiError) {
		return apiError.Retryable()
	}
	return false
}

// IsNotFound reports whether err is a gateway not-found error.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.Class == ClassNotFound
}

// IsAuth reports whether err is an authentication/permission failure.
func IsAuth(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.Class == ClassAuth
}
