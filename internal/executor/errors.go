package executor

import (
	"net/http"
	"time"
)

// Error codes returned to API callers.
const (
	CodeValidation          = "validation_error"
	CodeAuth                = "authentication_error"
	CodeNotFound            = "not_found"
	CodeRateLimited         = "rate_limit_error"
	CodeProviderUnavailable = "provider_unavailable"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeInternal            = "internal_error"
)

// GatewayError is the caller-facing error taxonomy. Individual
// provider failures are recovered via failover and never become a
// GatewayError on their own; only terminal outcomes surface.
type GatewayError struct {
	Code       string
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.Err }

func NewValidationError(msg string) *GatewayError {
	return &GatewayError{Code: CodeValidation, Status: http.StatusBadRequest, Message: msg}
}

func NewAuthError(msg string) *GatewayError {
	return &GatewayError{Code: CodeAuth, Status: http.StatusUnauthorized, Message: msg}
}

func NewNotFoundError(msg string) *GatewayError {
	return &GatewayError{Code: CodeNotFound, Status: http.StatusNotFound, Message: msg}
}

func NewRateLimitError(retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		Code:       CodeRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func NewProviderUnavailableError(msg string) *GatewayError {
	return &GatewayError{Code: CodeProviderUnavailable, Status: http.StatusServiceUnavailable, Message: msg}
}

func NewBudgetExceededError(msg string) *GatewayError {
	return &GatewayError{Code: CodeBudgetExceeded, Status: http.StatusForbidden, Message: msg}
}

func NewInternalError(msg string, err error) *GatewayError {
	return &GatewayError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: msg, Err: err}
}
