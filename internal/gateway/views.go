package gateway

import (
	"context"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Health probes the pipeline's dependencies. The gateway keeps serving
// while the store is down (cache misses, fail-open admission), so a
// store outage degrades rather than fails the report.
func (p *Pipeline) Health(ctx context.Context) types.HealthStatus {
	status := types.HealthStatus{
		Status:     types.StatusHealthy,
		Components: map[string]string{"kv": "ok", "providers": "ok"},
	}

	if err := p.store.Ping(ctx); err != nil {
		status.Status = types.StatusDegraded
		status.Components["kv"] = err.Error()
	}
	if p.registry.Len() == 0 {
		status.Status = types.StatusDegraded
		status.Components["providers"] = "no models registered"
	}

	return status
}

// Models lists the registered model catalog.
func (p *Pipeline) Models() []types.ModelInfo {
	return p.registry.Models()
}

// Usage returns a user's accounted consumption. The second return is
// false when the user has no recorded usage.
func (p *Pipeline) Usage(ctx context.Context, userID string) (types.UsageStats, bool, error) {
	return p.tracker.UsageFor(ctx, userID)
}

// ResetUsage clears a user's accounting counters.
func (p *Pipeline) ResetUsage(ctx context.Context, userID string) (bool, error) {
	return p.tracker.ResetUsage(ctx, userID)
}

// RateLimitStatus reads a user's current windows without consuming
// admission.
func (p *Pipeline) RateLimitStatus(ctx context.Context, userID string) (types.RateLimitStatus, error) {
	return p.limiter.Status(ctx, userID)
}

// ResetRateLimit clears a user's window counters.
func (p *Pipeline) ResetRateLimit(ctx context.Context, userID string) (int64, error) {
	return p.limiter.Reset(ctx, userID)
}

// CacheStats reports entry count, hit/miss totals, and the hit rate.
func (p *Pipeline) CacheStats(ctx context.Context) (types.CacheStats, error) {
	entries, err := p.cache.EntryCount(ctx)
	if err != nil {
		return types.CacheStats{}, err
	}
	hits, err := p.store.GetInt64(ctx, statsCacheHits)
	if err != nil {
		return types.CacheStats{}, err
	}
	misses, err := p.store.GetInt64(ctx, statsCacheMisses)
	if err != nil {
		return types.CacheStats{}, err
	}

	stats := types.CacheStats{
		TotalEntries: entries,
		Hits:         hits,
		Misses:       misses,
		TTLSeconds:   types.TTLSecondsOf(p.cache.TTL()),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

// ClearCache removes all cached completions. Hit/miss counters are kept:
// they describe lookup history, not current contents.
func (p *Pipeline) ClearCache(ctx context.Context) (int64, error) {
	return p.cache.Clear(ctx)
}

// Summary aggregates per-user and per-model usage plus cache stats.
func (p *Pipeline) Summary(ctx context.Context) (types.Summary, error) {
	users, models, err := p.tracker.Summary(ctx)
	if err != nil {
		return types.Summary{}, err
	}
	cacheStats, err := p.CacheStats(ctx)
	if err != nil {
		return types.Summary{}, err
	}
	return types.Summary{Users: users, Models: models, Cache: cacheStats}, nil
}
