// Package types defines the request and response shapes shared across
// the gateway pipeline and its HTTP surface.
package types

import (
	"fmt"
	"time"
)

// Request limits enforced before a request enters the pipeline.
const (
	MaxPromptChars = 10000
	MaxMaxTokens   = 4096

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// GenerateRequest is an inbound completion request.
// Temperature is a pointer so an explicit 0 can be told apart from "not set".
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	UserID      string   `json:"user_id"`
}

// ApplyDefaults fills unset optional fields.
func (r *GenerateRequest) ApplyDefaults() {
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
}

// Validate checks the request against the gateway's input contract.
// ApplyDefaults must be called first.
func (r *GenerateRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(r.Prompt) > MaxPromptChars {
		return fmt.Errorf("prompt exceeds %d characters", MaxPromptChars)
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if t := *r.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %g", t)
	}
	if r.MaxTokens < 1 || r.MaxTokens > MaxMaxTokens {
		return fmt.Errorf("max_tokens must be in [1, %d], got %d", MaxMaxTokens, r.MaxTokens)
	}
	return nil
}

// CompletionResult is the canonical response envelope.
type CompletionResult struct {
	Completion       string  `json:"completion"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	RequestID        string  `json:"request_id"`
	Cached           bool    `json:"cached"`
	LatencyMs        float64 `json:"latency_ms"`
}

// ModelInfo describes a registered model for the catalog endpoint.
type ModelInfo struct {
	Name             string  `json:"name"`
	Provider         string  `json:"provider"`
	PricePerTokenUSD float64 `json:"price_per_token_usd"`
}

// Health statuses reported by the liveness view.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthStatus is the liveness view: overall status plus a per-component
// breakdown ("ok" or the failure reason).
type HealthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// UsageStats aggregates a user's (or model's) accounted consumption.
type UsageStats struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// WindowStatus reports one rate-limit window for a user.
type WindowStatus struct {
	Used         int64 `json:"used"`
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	ResetSeconds int64 `json:"reset_seconds"`
}

// RateLimitStatus is the admin view of a user's current windows.
type RateLimitStatus struct {
	UserID string       `json:"user_id"`
	Minute WindowStatus `json:"minute"`
	Hour   WindowStatus `json:"hour"`
}

// CacheStats is the admin view of the response cache.
type CacheStats struct {
	TotalEntries int64   `json:"total_entries"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TTLSeconds   int64   `json:"ttl_seconds"`
}

// Summary aggregates per-user and per-model usage plus cache stats.
type Summary struct {
	Users  map[string]UsageStats `json:"users"`
	Models map[string]UsageStats `json:"models"`
	Cache  CacheStats            `json:"cache"`
}

// TTLSecondsOf converts a duration to whole seconds for the stats views.
func TTLSecondsOf(d time.Duration) int64 {
	return int64(d / time.Second)
}
