package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/cache"
	"github.com/blueberrycongee/llmgate/internal/cost"
	"github.com/blueberrycongee/llmgate/internal/gateway"
	"github.com/blueberrycongee/llmgate/internal/kv"
	"github.com/blueberrycongee/llmgate/internal/provider"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/retry"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

func newTestHandler(t *testing.T, limits ratelimit.Config) (http.Handler, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store := kv.NewFromClient(client, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(&provider.Binding{
		Model:            "gpt-4",
		Provider:         provider.TagOpenAI,
		PricePerTokenUSD: 0.00003,
		Complete: func(context.Context, string, float64, int) (*provider.Completion, error) {
			return &provider.Completion{Text: "pong", PromptTokens: 8, CompletionTokens: 2}, nil
		},
	}))

	policy := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      func() float64 { return 0 },
	}
	pipeline := gateway.New(
		store,
		cache.New(store, time.Hour, logger),
		ratelimit.New(store, limits, logger),
		registry,
		cost.New(store, logger),
		logger,
		gateway.Options{RetryPolicy: &policy},
	)

	return NewHandler(pipeline, logger).Routes(), mr
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGenerateEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"ping","model":"gpt-4","user_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var result types.CompletionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "pong", result.Completion)
	assert.Equal(t, 10, result.TotalTokens)
	assert.False(t, result.Cached)
	assert.NotEmpty(t, result.RequestID)
}

func TestGenerateCachedSecondCall(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())
	body := `{"prompt":"ping","model":"gpt-4","user_id":"alice"}`

	rec := doJSON(t, h, http.MethodPost, "/v1/generate", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/generate", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.CompletionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Cached)
}

func TestGenerateMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodPost, "/v1/generate", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "invalid_input", envelope.Error.Type)
	assert.Equal(t, http.StatusBadRequest, envelope.Error.Code)
}

func TestGenerateValidationFailure(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"","model":"gpt-4","user_id":"alice"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateUnknownModel(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"ping","model":"gpt-99","user_id":"alice"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var envelope ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "invalid_model", envelope.Error.Type)
}

func TestGenerateRateLimited(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.Config{PerMinute: 1, PerHour: 100})

	rec := doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"first","model":"gpt-4","user_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"second","model":"gpt-4","user_id":"alice"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var envelope ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "rate_limit_exceeded", envelope.Error.Type)
}

func TestHealthEndpoint(t *testing.T) {
	h, mr := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health types.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, types.StatusHealthy, health.Status)

	mr.Close()

	rec = doJSON(t, h, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, types.StatusDegraded, health.Status)
}

func TestModelsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Models []types.ModelInfo `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Models, 1)
	assert.Equal(t, "gpt-4", payload.Models[0].Name)
	assert.Equal(t, 0.00003, payload.Models[0].PricePerTokenUSD)
}

func TestUsageEndpoints(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodGet, "/v1/usage/alice", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"ping","model":"gpt-4","user_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Accounting lands asynchronously after the response.
	require.Eventually(t, func() bool {
		return doJSON(t, h, http.MethodGet, "/v1/usage/alice", "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec = doJSON(t, h, http.MethodGet, "/v1/usage/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		UserID string           `json:"user_id"`
		Usage  types.UsageStats `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, int64(1), payload.Usage.Requests)
	assert.Equal(t, int64(10), payload.Usage.Tokens)

	rec = doJSON(t, h, http.MethodDelete, "/v1/usage/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/usage/alice", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitStatusEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.Config{PerMinute: 10, PerHour: 100})

	rec := doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"ping","model":"gpt-4","user_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/rate-limit/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status types.RateLimitStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "alice", status.UserID)
	assert.Equal(t, int64(1), status.Minute.Used)
	assert.Equal(t, int64(10), status.Minute.Limit)
	assert.Equal(t, int64(9), status.Minute.Remaining)
	assert.Equal(t, int64(100), status.Hour.Limit)

	rec = doJSON(t, h, http.MethodDelete, "/v1/rate-limit/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/rate-limit/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(0), status.Minute.Used)
}

func TestCacheEndpoints(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())
	body := `{"prompt":"ping","model":"gpt-4","user_id":"alice"}`

	doJSON(t, h, http.MethodPost, "/v1/generate", body) // miss
	doJSON(t, h, http.MethodPost, "/v1/generate", body) // hit

	rec := doJSON(t, h, http.MethodGet, "/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats types.CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)

	rec = doJSON(t, h, http.MethodDelete, "/v1/cache/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cleared struct {
		DeletedCount int64 `json:"deleted_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.Equal(t, int64(1), cleared.DeletedCount)

	// The field name is part of the response contract.
	assert.Contains(t, rec.Body.String(), `"deleted_count"`)
}

func TestSummaryEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	doJSON(t, h, http.MethodPost, "/v1/generate",
		`{"prompt":"ping","model":"gpt-4","user_id":"alice"}`)

	var summary types.Summary
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/v1/admin/summary", "")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
			return false
		}
		return len(summary.Users) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, summary.Users, "alice")
	assert.Contains(t, summary.Models, "gpt-4")
	assert.Equal(t, int64(1), summary.Cache.Misses)
}

func TestRequestIDPropagation(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/generate",
		strings.NewReader(`{"prompt":"ping","model":"gpt-4","user_id":"alice"}`))
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "caller-supplied-id", rec.Header().Get("X-Request-ID"))

	var result types.CompletionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "caller-supplied-id", result.RequestID)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, ratelimit.DefaultConfig())

	rec := doJSON(t, h, http.MethodGet, "/v1/generate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
