// Package provider resolves model identifiers to upstream bindings and
// exposes a uniform completion call. Bindings are immutable after
// registry initialization; the registry knows nothing about HTTP routing.
package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// Provider tags for the default binding set.
const (
	TagOpenAI    = "openai"
	TagAnthropic = "anthropic"
)

// Completion is the uniform result of an upstream call.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// CompletionFunc is an opaque upstream completion call.
type CompletionFunc func(ctx context.Context, prompt string, temperature float64, maxTokens int) (*Completion, error)

// Binding maps a model identifier to its upstream call and pricing.
type Binding struct {
	// Model is the identifier clients use.
	Model string

	// Provider tags which upstream serves the model.
	Provider string

	// NativeModel is the name sent upstream; defaults to Model.
	NativeModel string

	// PricePerTokenUSD prices every token, prompt and completion alike.
	PricePerTokenUSD float64

	// Complete performs the upstream call.
	Complete CompletionFunc

	// limiter optionally smooths dispatch to the upstream.
	limiter *rate.Limiter
}

// WithDispatchLimit attaches a requests-per-second smoothing limiter to
// the binding. Zero or negative rps leaves dispatch unsmoothed.
func (b *Binding) WithDispatchLimit(rps float64, burst int) *Binding {
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return b
}

// Invoke waits for the dispatch limiter (when configured) and performs
// the completion call.
func (b *Binding) Invoke(ctx context.Context, prompt string, temperature float64, maxTokens int) (*Completion, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return b.Complete(ctx, prompt, temperature, maxTokens)
}

// EstimateTokens approximates a token count from character length by the
// ceil(len/4) convention. Used when an upstream omits its usage block;
// callers treat estimated counts identically to reported ones.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
