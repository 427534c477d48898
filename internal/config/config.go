// Package config loads gateway configuration from YAML with environment
// variable expansion and hot reload via fsnotify.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmgate/internal/kv"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     kv.Config        `yaml:"store"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Cache     CacheConfig      `yaml:"cache"`
	Retry     RetryConfig      `yaml:"retry"`
	Providers ProvidersConfig  `yaml:"providers"`
	Models    []ModelConfig    `yaml:"models"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RetryConfig contains provider retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ProvidersConfig holds upstream credentials and endpoints.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig configures one upstream.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// DispatchRPS optionally smooths outbound calls; zero disables.
	DispatchRPS   float64 `yaml:"dispatch_rps"`
	DispatchBurst int     `yaml:"dispatch_burst"`
}

// ModelConfig declares one entry of the model catalog.
type ModelConfig struct {
	Name             string  `yaml:"name"`
	Provider         string  `yaml:"provider"`
	NativeModel      string  `yaml:"native_model"`
	PricePerTokenUSD float64 `yaml:"price_per_token_usd"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults,
// including the default model catalog.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   150 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 120 * time.Second,
		},
		Store:     kv.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Cache:     CacheConfig{TTL: time.Hour},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
		},
		Models: []ModelConfig{
			{Name: "gpt-4", Provider: "openai", PricePerTokenUSD: 0.00003},
			{Name: "gpt-3.5-turbo", Provider: "openai", PricePerTokenUSD: 0.000002},
			{Name: "claude-3-sonnet", Provider: "anthropic", NativeModel: "claude-3-sonnet-20240229", PricePerTokenUSD: 0.000015},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "llmgate",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. ${VAR}
// references are expanded from the environment, and well-known
// environment variables override the file afterwards.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Load returns defaults overridden by the environment. Used when no
// config file is given.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the file
// without editing it.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.URL = v
	}
	if v, ok := envInt("MAX_REQUESTS_PER_MINUTE"); ok {
		c.RateLimit.PerMinute = v
	}
	if v, ok := envInt("MAX_REQUESTS_PER_HOUR"); ok {
		c.RateLimit.PerHour = v
	}
	if v, ok := envInt("CACHE_TTL_SECONDS"); ok {
		c.Cache.TTL = time.Duration(v) * time.Second
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	// COST_PER_TOKEN_GPT_4=0.00004 style per-model price overrides.
	for i := range c.Models {
		envName := "COST_PER_TOKEN_" + envKey(c.Models[i].Name)
		if raw := os.Getenv(envName); raw != "" {
			if price, err := strconv.ParseFloat(raw, 64); err == nil && price >= 0 {
				c.Models[i].PricePerTokenUSD = price
			}
		}
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// envKey maps a model name to its environment variable fragment.
func envKey(model string) string {
	upper := strings.ToUpper(model)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, upper)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store url is required")
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.RateLimit.PerMinute > c.RateLimit.PerHour {
		return fmt.Errorf("per-minute limit %d exceeds per-hour limit %d",
			c.RateLimit.PerMinute, c.RateLimit.PerHour)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}

	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model entry missing name")
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("duplicate model: %s", m.Name)
		}
		seen[m.Name] = struct{}{}

		switch m.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("model %s has unknown provider: %s", m.Name, m.Provider)
		}
		if m.PricePerTokenUSD < 0 {
			return fmt.Errorf("model %s has negative price", m.Name)
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing enabled without an endpoint")
	}
	return nil
}
