// Command server runs the LLM gateway: admission control, response
// caching, retrying provider dispatch, and cost accounting over a
// shared Redis store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blueberrycongee/llmgate/internal/api"
	"github.com/blueberrycongee/llmgate/internal/cache"
	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/cost"
	"github.com/blueberrycongee/llmgate/internal/gateway"
	"github.com/blueberrycongee/llmgate/internal/kv"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/provider"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/retry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config; defaults plus environment when empty")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := loadManager(*configPath)
	if err != nil {
		return err
	}
	defer manager.Close()
	cfg := manager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	})
	slog.SetDefault(logger)

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, err := kv.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	responseCache := cache.New(store, cfg.Cache.TTL, logger)
	limiter := ratelimit.New(store, cfg.RateLimit, logger)
	tracker := cost.New(store, logger)

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	pipeline := gateway.New(store, responseCache, limiter, registry, tracker, logger, gateway.Options{
		RetryPolicy:    &policy,
		RequestTimeout: cfg.Server.RequestTimeout,
		Tracer:         tp.Tracer(),
	})

	// Quotas and cache TTL follow the file without a restart. Model and
	// provider changes still need one: bindings are fixed at startup.
	manager.OnChange(func(next *config.Config) {
		limiter.SetLimits(next.RateLimit.PerMinute, next.RateLimit.PerHour)
		responseCache.SetTTL(next.Cache.TTL)
		logger.Info("applied config change",
			"per_minute", next.RateLimit.PerMinute,
			"per_hour", next.RateLimit.PerHour,
			"cache_ttl", next.Cache.TTL.String(),
		)
	})
	if err := manager.Watch(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	handler := api.NewHandler(pipeline, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", server.Addr,
			"models", registry.Len(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func loadManager(path string) (*config.Manager, error) {
	if path != "" {
		return config.NewManager(path, slog.Default())
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return config.NewStaticManager(cfg, slog.Default()), nil
}

// buildRegistry turns the model catalog into provider bindings. A model
// whose provider has no API key is skipped with a warning so a partial
// deployment still serves the models it can.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	var openaiClient *provider.OpenAIClient
	if cfg.Providers.OpenAI.APIKey != "" {
		var opts []provider.OpenAIOption
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, provider.WithOpenAIBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		openaiClient = provider.NewOpenAIClient(cfg.Providers.OpenAI.APIKey, opts...)
	}

	var anthropicClient *provider.AnthropicClient
	if cfg.Providers.Anthropic.APIKey != "" {
		var opts []provider.AnthropicOption
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, provider.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		anthropicClient = provider.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, opts...)
	}

	for _, m := range cfg.Models {
		native := m.NativeModel
		if native == "" {
			native = m.Name
		}

		var complete provider.CompletionFunc
		var dispatch config.ProviderConfig
		switch m.Provider {
		case "openai":
			if openaiClient == nil {
				slog.Warn("skipping model, no openai api key", "model", m.Name)
				continue
			}
			complete = openaiClient.CompletionFor(native)
			dispatch = cfg.Providers.OpenAI
		case "anthropic":
			if anthropicClient == nil {
				slog.Warn("skipping model, no anthropic api key", "model", m.Name)
				continue
			}
			complete = anthropicClient.CompletionFor(native)
			dispatch = cfg.Providers.Anthropic
		default:
			return nil, fmt.Errorf("model %s has unknown provider %s", m.Name, m.Provider)
		}

		binding := &provider.Binding{
			Model:            m.Name,
			Provider:         m.Provider,
			NativeModel:      native,
			PricePerTokenUSD: m.PricePerTokenUSD,
			Complete:         complete,
		}
		binding.WithDispatchLimit(dispatch.DispatchRPS, dispatch.DispatchBurst)

		if err := registry.Register(binding); err != nil {
			return nil, err
		}
	}

	if registry.Len() == 0 {
		return nil, fmt.Errorf("no models registered; set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	return registry, nil
}
