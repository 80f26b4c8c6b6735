package cloud

import (
	"errors"
	"fmt"
)

// ErrorCode classifies API failures the engine reacts to differently
type ErrorCode string

const (
	// ErrCodeNoStock means the (region, zone, type) triple has no capacity.
	// The planner advances to the next candidate; never fatal on its own.
	ErrCodeNoStock ErrorCode = "NoStock"

	// ErrCodeInitializing means the instance is not yet in a state that
	// accepts the operation (seen on delete-while-starting). Retried.
	ErrCodeInitializing ErrorCode = "Initializing"

	// ErrCodeAuth means credentials were rejected. Fatal for the provider.
	ErrCodeAuth ErrorCode = "AuthFailure"

	// ErrCodeNotFound means the referenced resource does not exist
	ErrCodeNotFound ErrorCode = "NotFound"

	// ErrCodeOther is any error the engine has no special handling for
	ErrCodeOther ErrorCode = "Other"
)

// APIError is a classified cloud API failure
type APIError struct {
	Code    ErrorCode
	Op      string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError builds a classified error wrapping the vendor error
func NewAPIError(code ErrorCode, op, message string, err error) *APIError {
	return &APIError{Code: code, Op: op, Message: message, Err: err}
}

func hasCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsNoStock reports whether err is a capacity exhaustion error
func IsNoStock(err error) bool {
	return hasCode(err, ErrCodeNoStock)
}

// IsInitializing reports whether err is a resource-not-ready error
func IsInitializing(err error) bool {
	return hasCode(err, ErrCodeInitializing)
}

// IsAuth reports whether err is a credential error
func IsAuth(err error) bool {
	return hasCode(err, ErrCodeAuth)
}

// IsNotFound reports whether err is a missing-resource error
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}
