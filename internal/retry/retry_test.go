package retry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// fastPolicy keeps test runs short and jitter deterministic.
func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Jitter:      func() float64 { return 0 },
	}
}

func TestSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, attempts, err := Do(context.Background(), fastPolicy(), nil, nil, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetriesThenSucceeds(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	calls := 0
	result, attempts, err := Do(context.Background(), fastPolicy(), logger, nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", gwerrors.NewProviderError("openai", "gpt-4", 503, "overloaded")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, strings.Count(buf.String(), "retry_attempt"))
}

func TestTerminalErrorStopsImmediately(t *testing.T) {
	terminal := gwerrors.NewProviderError("openai", "gpt-4", 401, "bad key")

	calls := 0
	_, attempts, err := Do(context.Background(), fastPolicy(), nil, nil, func(context.Context) (string, error) {
		calls++
		return "", terminal
	})
	require.Error(t, err)
	assert.Equal(t, terminal, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExhaustionAnnotatesAttempts(t *testing.T) {
	retryable := gwerrors.NewProviderError("openai", "gpt-4", 500, "boom")

	calls := 0
	_, attempts, err := Do(context.Background(), fastPolicy(), nil, nil, func(context.Context) (string, error) {
		calls++
		return "", retryable
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")

	var gwErr *gwerrors.GatewayError
	assert.True(t, errors.As(err, &gwErr))
}

func TestUnclassifiedErrorsAreTerminal(t *testing.T) {
	calls := 0
	_, _, err := Do(context.Background(), fastPolicy(), nil, nil, func(context.Context) (string, error) {
		calls++
		return "", errors.New("mystery")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	p := Policy{
		BaseDelay: time.Second,
		MaxDelay:  60 * time.Second,
		Jitter:    func() float64 { return 0 },
	}.normalized()

	assert.Equal(t, time.Second, p.delay(0))
	assert.Equal(t, 2*time.Second, p.delay(1))
	assert.Equal(t, 4*time.Second, p.delay(2))
	// Capped.
	assert.Equal(t, 60*time.Second, p.delay(10))
}

func TestJitterScalesDelay(t *testing.T) {
	p := Policy{
		BaseDelay: time.Second,
		MaxDelay:  60 * time.Second,
		Jitter:    func() float64 { return 0.5 },
	}.normalized()

	assert.Equal(t, 1500*time.Millisecond, p.delay(0))
}

func TestDeadlineShortCircuitsSleep(t *testing.T) {
	// The first retry would sleep ~1s, past the 50ms deadline, so the
	// executor must return the last error without waiting it out.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      func() float64 { return 0 },
	}

	retryable := gwerrors.NewProviderError("openai", "gpt-4", 500, "boom")

	start := time.Now()
	_, attempts, err := Do(ctx, p, nil, nil, func(context.Context) (string, error) {
		return "", retryable
	})
	require.Error(t, err)
	assert.Equal(t, retryable, err)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCanceledContextAbortsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Hour, // Without a deadline, the sleep is entered.
		MaxDelay:    time.Hour,
		Jitter:      func() float64 { return 0 },
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := Do(ctx, p, nil, nil, func(context.Context) (string, error) {
		return "", gwerrors.NewProviderError("p", "m", 500, "boom")
	})
	require.ErrorIs(t, err, context.Canceled)
}
