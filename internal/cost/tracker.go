// Package cost accounts token consumption and spend per user and per
// model. Counters live in the shared key-value store; cost is held as
// micro-USD integers so repeated increments never accumulate float
// drift.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/blueberrycongee/llmgate/internal/kv"
	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Key prefixes for the accounting counters.
const (
	UserPrefix  = "usage:"
	ModelPrefix = "model_usage:"
)

const (
	fieldRequests = "requests"
	fieldTokens   = "tokens"
	fieldCost     = "cost"
)

// Compute returns the attributed cost in USD for a token total, rounded
// to six decimal places.
func Compute(totalTokens int, pricePerTokenUSD float64) float64 {
	return float64(MicroUSD(totalTokens, pricePerTokenUSD)) / 1e6
}

// MicroUSD returns the attributed cost in integer micro-dollars.
func MicroUSD(totalTokens int, pricePerTokenUSD float64) int64 {
	return int64(math.RoundToEven(float64(totalTokens) * pricePerTokenUSD * 1e6))
}

// Tracker records and reports accounted usage.
type Tracker struct {
	store  *kv.Store
	logger *slog.Logger
}

// New creates a tracker over the shared store.
func New(store *kv.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger.With(slog.String("component", "cost_tracker"))}
}

// Record accounts one completed upstream call against the user and the
// model. Accounting is best-effort: a store outage is logged and
// swallowed so it never fails the request that produced the usage.
func (t *Tracker) Record(ctx context.Context, userID, model string, totalTokens int, pricePerTokenUSD float64) {
	micro := MicroUSD(totalTokens, pricePerTokenUSD)

	for _, base := range []string{UserPrefix + userID, ModelPrefix + model} {
		if err := t.bump(ctx, base, totalTokens, micro); err != nil {
			metrics.KVFailures.WithLabelValues("cost_tracker").Inc()
			t.logger.Warn("cost_record_failed",
				slog.String("key", base),
				slog.String("error", err.Error()),
			)
		}
	}

	t.logger.Info("cost_tracked",
		slog.String("user_id", userID),
		slog.String("model", model),
		slog.Int("total_tokens", totalTokens),
		slog.Float64("cost_usd", float64(micro)/1e6),
	)
}

func (t *Tracker) bump(ctx context.Context, base string, totalTokens int, micro int64) error {
	if _, err := t.store.IncrBy(ctx, base+":"+fieldRequests, 1); err != nil {
		return err
	}
	if _, err := t.store.IncrBy(ctx, base+":"+fieldTokens, int64(totalTokens)); err != nil {
		return err
	}
	if _, err := t.store.IncrBy(ctx, base+":"+fieldCost, micro); err != nil {
		return err
	}
	return nil
}

// UsageFor returns the accounted totals for a user. The second return is
// false when the user has no recorded usage at all.
func (t *Tracker) UsageFor(ctx context.Context, userID string) (types.UsageStats, bool, error) {
	return t.read(ctx, UserPrefix+userID)
}

// ModelUsage returns the accounted totals for a model.
func (t *Tracker) ModelUsage(ctx context.Context, model string) (types.UsageStats, bool, error) {
	return t.read(ctx, ModelPrefix+model)
}

func (t *Tracker) read(ctx context.Context, base string) (types.UsageStats, bool, error) {
	var stats types.UsageStats
	found := false

	for _, f := range []struct {
		field string
		dst   *int64
	}{
		{fieldRequests, &stats.Requests},
		{fieldTokens, &stats.Tokens},
	} {
		val, ok, err := t.readCounter(ctx, base+":"+f.field)
		if err != nil {
			return types.UsageStats{}, false, err
		}
		*f.dst = val
		found = found || ok
	}

	micro, ok, err := t.readCounter(ctx, base+":"+fieldCost)
	if err != nil {
		return types.UsageStats{}, false, err
	}
	found = found || ok
	stats.CostUSD = float64(micro) / 1e6

	return stats, found, nil
}

func (t *Tracker) readCounter(ctx context.Context, key string) (int64, bool, error) {
	raw, ok, err := t.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	var val int64
	if _, err := fmt.Sscanf(raw, "%d", &val); err != nil {
		return 0, true, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return val, true, nil
}

// ResetUsage removes every accounting counter for a user and returns
// whether anything was deleted.
func (t *Tracker) ResetUsage(ctx context.Context, userID string) (bool, error) {
	deleted, err := t.store.DeletePattern(ctx, UserPrefix+userID+":*")
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// Summary aggregates every user's and every model's accounted usage by
// scanning the counter keyspaces.
func (t *Tracker) Summary(ctx context.Context) (map[string]types.UsageStats, map[string]types.UsageStats, error) {
	users, err := t.collect(ctx, UserPrefix)
	if err != nil {
		return nil, nil, err
	}
	models, err := t.collect(ctx, ModelPrefix)
	if err != nil {
		return nil, nil, err
	}
	return users, models, nil
}

func (t *Tracker) collect(ctx context.Context, prefix string) (map[string]types.UsageStats, error) {
	keys, err := t.store.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{})
	for _, key := range keys {
		rest := key[len(prefix):]
		// Counter keys are "<id>:<field>"; the id may itself contain
		// colons, so split on the last one.
		for i := len(rest) - 1; i >= 0; i-- {
			if rest[i] == ':' {
				ids[rest[:i]] = struct{}{}
				break
			}
		}
	}

	out := make(map[string]types.UsageStats, len(ids))
	for id := range ids {
		stats, _, err := t.read(ctx, prefix+id)
		if err != nil {
			return nil, err
		}
		out[id] = stats
	}
	return out, nil
}
