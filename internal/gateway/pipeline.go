// Package gateway orchestrates the request pipeline: validation, cache
// lookup, admission control, provider dispatch with retry, cost
// accounting, and cache population. It is the sole owner of cache
// hit/miss counters and the sole translator of component failures to
// the error taxonomy.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmgate/internal/cache"
	"github.com/blueberrycongee/llmgate/internal/cost"
	"github.com/blueberrycongee/llmgate/internal/kv"
	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/provider"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/retry"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Cache hit/miss counter keys, owned by the pipeline.
const (
	statsCacheHits   = "stats:cache:hits"
	statsCacheMisses = "stats:cache:misses"
)

// DefaultRequestTimeout bounds one end-to-end generation, retries
// included.
const DefaultRequestTimeout = 120 * time.Second

// Pipeline runs generation requests through the gateway stages.
type Pipeline struct {
	store    *kv.Store
	cache    *cache.ResponseCache
	limiter  *ratelimit.Limiter
	registry *provider.Registry
	tracker  *cost.Tracker
	policy   retry.Policy
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Options configures optional pipeline behavior.
type Options struct {
	// RetryPolicy overrides the default backoff parameters.
	RetryPolicy *retry.Policy

	// RequestTimeout bounds one generation end to end. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Tracer records pipeline spans; nil falls back to the global
	// no-op tracer.
	Tracer trace.Tracer
}

// New wires the pipeline stages together.
func New(store *kv.Store, responseCache *cache.ResponseCache, limiter *ratelimit.Limiter, registry *provider.Registry, tracker *cost.Tracker, logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.DefaultPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}

	return &Pipeline{
		store:    store,
		cache:    responseCache,
		limiter:  limiter,
		registry: registry,
		tracker:  tracker,
		policy:   policy,
		timeout:  timeout,
		logger:   logger,
		tracer:   tracer,
	}
}

// Generate runs one request through the pipeline. The returned error,
// when non-nil, is always a *gwerrors.GatewayError.
func (p *Pipeline) Generate(ctx context.Context, req *types.GenerateRequest) (result *types.CompletionResult, err error) {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "gateway.generate",
		trace.WithAttributes(
			attribute.String("gen_ai.request.model", req.Model),
			attribute.String("user.id", req.UserID),
		))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("cache.hit", result.Cached))
		}
		span.End()
	}()

	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = observability.NewRequestID()
	}
	logger := p.logger.With(
		slog.String("request_id", requestID),
		slog.String("user_id", req.UserID),
		slog.String("model", req.Model),
	)

	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		logger.Warn("request_failed",
			slog.String("code", gwerrors.CodeInvalidInput),
			slog.String("reason", err.Error()),
		)
		metrics.RecordRequest(req.Model, gwerrors.CodeInvalidInput, false, time.Since(start))
		return nil, gwerrors.NewInvalidInputError(err.Error())
	}

	logger.Info("request_received", slog.Int("prompt_chars", len(req.Prompt)))

	fingerprint := cache.Fingerprint(req.Prompt, req.Model, *req.Temperature, req.MaxTokens)

	// Cache hits bypass admission control and accounting: a served copy
	// consumes no upstream capacity and costs nothing.
	if cached, hit := p.cache.Lookup(ctx, fingerprint); hit {
		p.bumpCacheCounter(ctx, statsCacheHits)
		metrics.CacheEvents.WithLabelValues("hit").Inc()

		cached.RequestID = requestID
		cached.LatencyMs = float64(time.Since(start).Microseconds()) / 1000

		logger.Info("cache_hit", slog.String("fingerprint", fingerprint))
		metrics.RecordRequest(req.Model, "ok", true, time.Since(start))
		return cached, nil
	}
	p.bumpCacheCounter(ctx, statsCacheMisses)
	metrics.CacheEvents.WithLabelValues("miss").Inc()
	logger.Debug("cache_miss", slog.String("fingerprint", fingerprint))

	admission := p.limiter.Check(ctx, req.UserID)
	if !admission.Allowed {
		retryAfter := int(admission.RetryAfter / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		logger.Warn("rate_limit_exceeded",
			slog.String("window", admission.Window),
			slog.Int("retry_after_s", retryAfter),
		)
		logger.Warn("request_failed",
			slog.String("code", gwerrors.CodeRateLimitExceeded),
			slog.String("window", admission.Window),
		)
		metrics.RateLimitDenials.WithLabelValues(admission.Window).Inc()
		metrics.RecordRequest(req.Model, gwerrors.CodeRateLimitExceeded, false, time.Since(start))
		return nil, gwerrors.NewRateLimitError(admission.Window, retryAfter)
	}

	binding, ok := p.registry.Resolve(req.Model)
	if !ok {
		logger.Warn("request_failed", slog.String("code", gwerrors.CodeInvalidModel))
		metrics.RecordRequest(req.Model, gwerrors.CodeInvalidModel, false, time.Since(start))
		return nil, gwerrors.NewInvalidModelError(req.Model)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	logger.Info("provider_call", slog.String("provider", binding.Provider))

	completion, attempts, err := retry.Do(callCtx, p.policy, logger, nil,
		func(ctx context.Context) (*provider.Completion, error) {
			ctx, callSpan := p.tracer.Start(ctx, "provider.complete",
				trace.WithAttributes(attribute.String("gen_ai.system", binding.Provider)))
			defer callSpan.End()

			out, callErr := binding.Invoke(ctx, req.Prompt, *req.Temperature, req.MaxTokens)
			if callErr != nil {
				callSpan.SetStatus(codes.Error, callErr.Error())
			}
			return out, callErr
		})
	if attempts > 1 {
		metrics.RetryAttempts.WithLabelValues(binding.Provider).Add(float64(attempts - 1))
	}
	if err != nil {
		gwErr := p.translateProviderError(err, binding)
		logger.Error("request_failed",
			slog.Int("attempts", attempts),
			slog.String("code", gwErr.Code),
			slog.String("error", err.Error()),
		)
		metrics.RecordRequest(req.Model, gwErr.Code, false, time.Since(start))
		return nil, gwErr
	}

	totalTokens := completion.PromptTokens + completion.CompletionTokens
	costUSD := cost.Compute(totalTokens, binding.PricePerTokenUSD)

	result = &types.CompletionResult{
		Completion:       completion.Text,
		Model:            req.Model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		TotalTokens:      totalTokens,
		CostUSD:          costUSD,
		RequestID:        requestID,
		Cached:           false,
	}

	// Accounting is fire-and-forget; it must not add latency to the
	// response and survives the request context being released.
	recordCtx := context.WithoutCancel(ctx)
	go p.tracker.Record(recordCtx, req.UserID, req.Model, totalTokens, binding.PricePerTokenUSD)
	metrics.RecordUsage(req.Model, completion.PromptTokens, completion.CompletionTokens, cost.MicroUSD(totalTokens, binding.PricePerTokenUSD))

	// Best-effort: the response is correct whether or not it was cached.
	_ = p.cache.Store(ctx, fingerprint, result)

	result.LatencyMs = float64(time.Since(start).Microseconds()) / 1000

	logger.Info("response_generated",
		slog.Int("total_tokens", totalTokens),
		slog.Float64("cost_usd", costUSD),
		slog.Int("attempts", attempts),
		slog.Float64("latency_ms", result.LatencyMs),
	)
	metrics.RecordRequest(req.Model, "ok", false, time.Since(start))

	return result, nil
}

// bumpCacheCounter is best-effort; the counters are observability only.
func (p *Pipeline) bumpCacheCounter(ctx context.Context, key string) {
	if _, err := p.store.IncrBy(ctx, key, 1); err != nil {
		metrics.KVFailures.WithLabelValues("cache_stats").Inc()
		p.logger.Warn("cache_counter_failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// translateProviderError maps a failed provider call onto the taxonomy.
func (p *Pipeline) translateProviderError(err error, binding *provider.Binding) *gwerrors.GatewayError {
	var gwErr *gwerrors.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.NewTimeoutError("upstream call exceeded the request deadline")
	}
	if errors.Is(err, context.Canceled) {
		return gwerrors.NewInternalError("request canceled")
	}
	return gwerrors.NewProviderNetworkError(binding.Provider, binding.Model, err)
}
