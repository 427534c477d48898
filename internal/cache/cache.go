package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/kv"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// DefaultTTL is the default cache entry lifetime.
const DefaultTTL = time.Hour

// ResponseCache is a pure key-value view over stored completions.
// Hit/miss accounting lives in the orchestrator, not here.
type ResponseCache struct {
	store  *kv.Store
	logger *slog.Logger

	// ttl in nanoseconds, atomically swappable on config reload.
	ttl atomic.Int64
}

// New creates a ResponseCache with the given entry TTL.
func New(store *kv.Store, ttl time.Duration, logger *slog.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &ResponseCache{store: store, logger: logger}
	c.ttl.Store(int64(ttl))
	return c
}

// TTL returns the configured entry lifetime.
func (c *ResponseCache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL swaps the entry lifetime for subsequent writes. Existing
// entries keep their original expiry.
func (c *ResponseCache) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		c.ttl.Store(int64(ttl))
	}
}

// Lookup returns the stored completion for a fingerprint, marked cached.
// A store failure is treated as a miss and logged: the gateway must keep
// serving while Redis is down. Reads do not refresh the entry's TTL.
func (c *ResponseCache) Lookup(ctx context.Context, fingerprint string) (*types.CompletionResult, bool) {
	raw, found, err := c.store.Get(ctx, Key(fingerprint))
	if err != nil {
		c.logger.Warn("cache lookup failed", "fingerprint", fingerprint, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var result types.CompletionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.Warn("cache entry corrupt, ignoring", "fingerprint", fingerprint, "error", err)
		return nil, false
	}

	result.Cached = true
	return &result, true
}

// Store persists a completion under the fingerprint. Failures are
// non-fatal: the caller already has the result.
func (c *ResponseCache) Store(ctx context.Context, fingerprint string, result *types.CompletionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", "fingerprint", fingerprint, "error", err)
		return err
	}

	if err := c.store.SetWithTTL(ctx, Key(fingerprint), string(data), c.TTL()); err != nil {
		c.logger.Warn("cache store failed", "fingerprint", fingerprint, "error", err)
		return err
	}
	return nil
}

// Clear deletes all cached completions and returns the number removed.
func (c *ResponseCache) Clear(ctx context.Context) (int64, error) {
	return c.store.DeletePattern(ctx, KeyPrefix+"*")
}

// EntryCount returns the current number of cached completions.
func (c *ResponseCache) EntryCount(ctx context.Context) (int64, error) {
	keys, err := c.store.Scan(ctx, KeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}
