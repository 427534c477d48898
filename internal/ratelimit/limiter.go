// Package ratelimit admits or rejects requests against per-user fixed
// windows backed by Redis counters. Fixed windows trade boundary bursts
// for O(1) state and the exact TTL semantics the store provides natively.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/llmgate/internal/kv"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Window names used in keys, denials, and status views.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"

	minuteLength = time.Minute
	hourLength   = time.Hour
)

// Default per-user quotas.
const (
	DefaultPerMinute = 10
	DefaultPerHour   = 100
)

// Config holds the per-user quotas.
type Config struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// DefaultConfig returns the default quotas.
func DefaultConfig() Config {
	return Config{PerMinute: DefaultPerMinute, PerHour: DefaultPerHour}
}

// Admission is the outcome of a rate-limit check.
type Admission struct {
	Allowed bool

	// Window names the saturated window when denied.
	Window string

	// RetryAfter is the remaining TTL of the saturated window.
	RetryAfter time.Duration

	// FailOpen is true when the request was admitted only because the
	// store was unreachable.
	FailOpen bool
}

// Limiter tracks minute and hour windows per user.
type Limiter struct {
	store  *kv.Store
	logger *slog.Logger

	perMinute atomic.Int64
	perHour   atomic.Int64
}

// New creates a Limiter with the given quotas.
func New(store *kv.Store, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = DefaultPerHour
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{store: store, logger: logger}
	l.perMinute.Store(int64(cfg.PerMinute))
	l.perHour.Store(int64(cfg.PerHour))
	return l
}

// SetLimits swaps the quotas. Used by config hot reload.
func (l *Limiter) SetLimits(perMinute, perHour int) {
	if perMinute > 0 {
		l.perMinute.Store(int64(perMinute))
	}
	if perHour > 0 {
		l.perHour.Store(int64(perHour))
	}
}

// Limits returns the current quotas.
func (l *Limiter) Limits() (perMinute, perHour int64) {
	return l.perMinute.Load(), l.perHour.Load()
}

func windowKey(userID, window string) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, window)
}

// Check increments both window counters and admits the request unless a
// post-increment value exceeds its quota. Counters are not rolled back on
// denial: further attempts within the window stay denied. When the store
// is unreachable the limiter fails open, preferring availability over
// strict enforcement.
func (l *Limiter) Check(ctx context.Context, userID string) Admission {
	minuteCount, err := l.store.IncrWithTTL(ctx, windowKey(userID, WindowMinute), minuteLength)
	if err != nil {
		return l.failOpen(userID, err)
	}

	hourCount, err := l.store.IncrWithTTL(ctx, windowKey(userID, WindowHour), hourLength)
	if err != nil {
		return l.failOpen(userID, err)
	}

	if minuteCount > l.perMinute.Load() {
		return l.deny(ctx, userID, WindowMinute, minuteLength)
	}
	if hourCount > l.perHour.Load() {
		return l.deny(ctx, userID, WindowHour, hourLength)
	}

	return Admission{Allowed: true}
}

func (l *Limiter) deny(ctx context.Context, userID, window string, windowLength time.Duration) Admission {
	retryAfter, err := l.store.TTL(ctx, windowKey(userID, window))
	if err != nil || retryAfter <= 0 {
		// The counter exists, so a missing TTL means it is about to
		// expire; report the full window as a safe upper bound.
		retryAfter = windowLength
	}
	return Admission{Window: window, RetryAfter: retryAfter}
}

func (l *Limiter) failOpen(userID string, err error) Admission {
	l.logger.Warn("rate_limiter_fail_open",
		"user_id", userID,
		"error", err,
	)
	return Admission{Allowed: true, FailOpen: true}
}

// Status reads the current window counters without incrementing them.
func (l *Limiter) Status(ctx context.Context, userID string) (types.RateLimitStatus, error) {
	status := types.RateLimitStatus{UserID: userID}

	minute, err := l.windowStatus(ctx, userID, WindowMinute, l.perMinute.Load())
	if err != nil {
		return status, err
	}
	hour, err := l.windowStatus(ctx, userID, WindowHour, l.perHour.Load())
	if err != nil {
		return status, err
	}

	status.Minute = minute
	status.Hour = hour
	return status, nil
}

func (l *Limiter) windowStatus(ctx context.Context, userID, window string, limit int64) (types.WindowStatus, error) {
	key := windowKey(userID, window)

	used, err := l.store.GetInt64(ctx, key)
	if err != nil {
		return types.WindowStatus{}, err
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return types.WindowStatus{}, err
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return types.WindowStatus{
		Used:         used,
		Limit:        limit,
		Remaining:    remaining,
		ResetSeconds: int64(ttl / time.Second),
	}, nil
}

// Reset clears a user's window counters and returns the number removed.
func (l *Limiter) Reset(ctx context.Context, userID string) (int64, error) {
	return l.store.DeletePattern(ctx, fmt.Sprintf("ratelimit:%s:*", userID))
}
