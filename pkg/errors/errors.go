// Package errors defines the unified error taxonomy for gateway operations.
// Every failure surfaced by a pipeline component is mapped to one of these
// types; the orchestrator is the sole translator to HTTP status codes.
package errors

import (
	"fmt"
	"net/http"
)

// Error codes for the gateway taxonomy.
const (
	CodeInvalidInput      = "invalid_input"
	CodeInvalidModel      = "invalid_model"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeKVUnavailable     = "kv_unavailable"
	CodeProviderRetryable = "provider_retryable"
	CodeProviderTerminal  = "provider_terminal"
	CodeTimeout           = "timeout"
	CodeInternal          = "internal"
)

// GatewayError is a standardized error carrying everything needed for
// classification, logging, and the client response.
type GatewayError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	StatusCode int    `json:"status_code"`
	Retryable  bool   `json:"-"`

	// RetryAfter is the suggested wait in seconds; only set for
	// rate_limit_exceeded.
	RetryAfter int `json:"retry_after_s,omitempty"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Provider != "" || e.Model != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Code, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// HTTPStatusCode returns the HTTP status to surface for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewInvalidInputError creates a validation failure (400).
func NewInvalidInputError(message string) *GatewayError {
	return &GatewayError{
		Code:       CodeInvalidInput,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewInvalidModelError creates an unknown-model error (404).
func NewInvalidModelError(model string) *GatewayError {
	return &GatewayError{
		Code:       CodeInvalidModel,
		Message:    fmt.Sprintf("unknown model: %s", model),
		Model:      model,
		StatusCode: http.StatusNotFound,
	}
}

// NewRateLimitError creates an admission denial (429) with the window
// name and the seconds until its counter resets.
func NewRateLimitError(window string, retryAfter int) *GatewayError {
	return &GatewayError{
		Code:       CodeRateLimitExceeded,
		Message:    fmt.Sprintf("rate limit exceeded for %s window", window),
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewKVUnavailableError wraps a key-value store outage (503).
func NewKVUnavailableError(message string) *GatewayError {
	return &GatewayError{
		Code:       CodeKVUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewProviderError maps an upstream HTTP status to the taxonomy.
// 5xx, 429, and 408 are retryable; other 4xx are terminal. Provider
// failures surface as 502 regardless of the upstream code.
func NewProviderError(provider, model string, upstreamStatus int, message string) *GatewayError {
	retryable := upstreamStatus >= 500 ||
		upstreamStatus == http.StatusTooManyRequests ||
		upstreamStatus == http.StatusRequestTimeout

	code := CodeProviderTerminal
	if retryable {
		code = CodeProviderRetryable
	}

	return &GatewayError{
		Code:       code,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusBadGateway,
		Retryable:  retryable,
	}
}

// NewProviderNetworkError creates a retryable transport-level failure.
func NewProviderNetworkError(provider, model string, err error) *GatewayError {
	return &GatewayError{
		Code:       CodeProviderRetryable,
		Message:    fmt.Sprintf("upstream request failed: %v", err),
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
	}
}

// NewTimeoutError creates a deadline-exceeded error (504).
func NewTimeoutError(message string) *GatewayError {
	return &GatewayError{
		Code:       CodeTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
	}
}

// NewInternalError creates an internal error (500). The message is for
// logs; handlers must not leak it to clients.
func NewInternalError(message string) *GatewayError {
	return &GatewayError{
		Code:       CodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// IsRetryable reports whether the error may succeed on another attempt.
// Unclassified errors are treated as terminal.
func IsRetryable(err error) bool {
	if gwErr, ok := err.(*GatewayError); ok {
		return gwErr.Retryable
	}
	return false
}
