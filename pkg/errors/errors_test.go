package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderErrorClassification(t *testing.T) {
	tests := []struct {
		name           string
		upstreamStatus int
		wantRetryable  bool
		wantCode       string
	}{
		{"server error", 500, true, CodeProviderRetryable},
		{"bad gateway", 502, true, CodeProviderRetryable},
		{"upstream rate limit", 429, true, CodeProviderRetryable},
		{"upstream timeout", 408, true, CodeProviderRetryable},
		{"bad request", 400, false, CodeProviderTerminal},
		{"unauthorized", 401, false, CodeProviderTerminal},
		{"forbidden", 403, false, CodeProviderTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewProviderError("openai", "gpt-4", tt.upstreamStatus, "boom")
			assert.Equal(t, tt.wantRetryable, err.Retryable)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, http.StatusBadGateway, err.HTTPStatusCode())
		})
	}
}

func TestRateLimitErrorCarriesRetryAfter(t *testing.T) {
	err := NewRateLimitError("minute", 42)
	assert.Equal(t, CodeRateLimitExceeded, err.Code)
	assert.Equal(t, 42, err.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatusCode())
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewInvalidInputError("x").HTTPStatusCode())
	assert.Equal(t, http.StatusNotFound, NewInvalidModelError("nope").HTTPStatusCode())
	assert.Equal(t, http.StatusServiceUnavailable, NewKVUnavailableError("down").HTTPStatusCode())
	assert.Equal(t, http.StatusGatewayTimeout, NewTimeoutError("late").HTTPStatusCode())
	assert.Equal(t, http.StatusInternalServerError, NewInternalError("bug").HTTPStatusCode())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewProviderError("p", "m", 503, "x")))
	assert.False(t, IsRetryable(NewProviderError("p", "m", 400, "x")))
	assert.False(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(nil))
}

func TestErrorString(t *testing.T) {
	err := NewProviderError("anthropic", "claude-3-sonnet", 500, "overloaded")
	assert.Contains(t, err.Error(), "provider=anthropic")
	assert.Contains(t, err.Error(), "model=claude-3-sonnet")
	assert.Contains(t, err.Error(), CodeProviderRetryable)
}
