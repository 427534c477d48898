// Package metrics provides Prometheus metrics collection for the gateway.
// It tracks request outcomes, latencies, token usage, cost, cache
// effectiveness, rate-limit denials, and retry attempts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmgate"

var (
	// RequestsTotal counts pipeline requests by model and outcome code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of generation requests",
		},
		[]string{"model", "outcome"},
	)

	// RequestLatency tracks end-to-end orchestration latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "cached"},
	)

	// TokensTotal tracks token consumption by direction.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	// CostMicroUSD accumulates attributed cost in micro-dollars.
	CostMicroUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_microusd_total",
			Help:      "Total attributed cost in micro-USD",
		},
		[]string{"model"},
	)

	// CacheEvents counts cache lookups by result.
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	// RateLimitDenials counts admission denials by window.
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Requests denied by the rate limiter",
		},
		[]string{"window"}, // minute, hour
	)

	// RetryAttempts counts provider call retries.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Provider call retry attempts",
		},
		[]string{"provider"},
	)

	// KVFailures counts store errors by component.
	KVFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kv_failures_total",
			Help:      "Key-value store failures by component",
		},
		[]string{"component"},
	)
)

// RecordRequest records a finished pipeline request.
func RecordRequest(model, outcome string, cached bool, latency time.Duration) {
	RequestsTotal.WithLabelValues(model, outcome).Inc()
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	RequestLatency.WithLabelValues(model, cachedLabel).Observe(latency.Seconds())
}

// RecordUsage records token and cost attribution for a completed call.
func RecordUsage(model string, promptTokens, completionTokens int, costMicroUSD int64) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	CostMicroUSD.WithLabelValues(model).Add(float64(costMicroUSD))
}
