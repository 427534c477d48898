// Package retry wraps fallible operations with bounded exponential
// backoff and jitter, distinguishing retryable from terminal errors.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// Default backoff parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// Policy configures the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter draws a value in [0, 1); the wait is scaled by (1 + jitter).
	// Nil uses math/rand. Tests inject a deterministic source.
	Jitter func() float64
}

// DefaultPolicy returns the default backoff parameters.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Jitter == nil {
		p.Jitter = rand.Float64
	}
	return p
}

// delay computes the wait before attempt k+1 (k counts from 0).
func (p Policy) delay(k int) time.Duration {
	d := p.BaseDelay << k
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return time.Duration(float64(d) * (1 + p.Jitter()))
}

// Do runs op up to MaxAttempts times. Terminal errors (per classify)
// return immediately; on exhaustion the last error is returned annotated
// with the attempt count. The scheduled sleep is abandoned when it would
// extend past the context deadline. The second return value is the number
// of attempts made.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, classify Classifier, op func(context.Context) (T, error)) (T, int, error) {
	var zero T

	p = p.normalized()
	if classify == nil {
		classify = gwerrors.IsRetryable
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := p.delay(attempt - 1)

			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
				return zero, attempt, lastErr
			}

			logger.Warn("retry_attempt",
				"attempt", attempt+1,
				"max_attempts", p.MaxAttempts,
				"delay_ms", wait.Milliseconds(),
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return zero, attempt, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		if !classify(err) {
			return zero, attempt + 1, err
		}
	}

	return zero, p.MaxAttempts, fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}
