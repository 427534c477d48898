// Package api exposes the gateway pipeline over HTTP.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/llmgate/internal/gateway"
	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// maxRequestBody bounds the inbound JSON body.
const maxRequestBody = 1 << 20 // 1 MiB

// Handler serves the gateway's HTTP surface.
type Handler struct {
	pipeline *gateway.Pipeline
	logger   *slog.Logger
}

// NewHandler creates the HTTP handler over the pipeline.
func NewHandler(pipeline *gateway.Pipeline, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: pipeline, logger: logger}
}

// Routes builds the route table with request-ID and metrics middleware
// applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/generate", h.Generate)
	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/models", h.ListModels)
	mux.HandleFunc("GET /v1/usage/{user_id}", h.Usage)
	mux.HandleFunc("DELETE /v1/usage/{user_id}", h.UsageReset)
	mux.HandleFunc("GET /v1/rate-limit/{user_id}", h.RateLimitStatus)
	mux.HandleFunc("DELETE /v1/rate-limit/{user_id}", h.RateLimitReset)
	mux.HandleFunc("GET /v1/cache/stats", h.CacheStats)
	mux.HandleFunc("DELETE /v1/cache/clear", h.CacheClear)
	mux.HandleFunc("GET /v1/admin/summary", h.Summary)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observability.RequestIDMiddleware(metrics.Middleware(mux))
}

// Generate handles POST /v1/generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, gwerrors.NewInvalidInputError(fmt.Sprintf("malformed request body: %v", err)))
		return
	}

	result, err := h.pipeline.Generate(r.Context(), &req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /v1/health. A degraded gateway reports 503 with the
// per-component breakdown so load balancers can drain it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.pipeline.Health(r.Context())

	status := http.StatusOK
	if health.Status != types.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.pipeline.Models()})
}

// Usage handles GET /v1/usage/{user_id}.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	stats, found, err := h.pipeline.Usage(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, gwerrors.NewKVUnavailableError("usage store unavailable"))
		return
	}
	if !found {
		writeError(w, h.logger, &gwerrors.GatewayError{
			Code:       gwerrors.CodeInvalidInput,
			Message:    fmt.Sprintf("no usage recorded for user: %s", userID),
			StatusCode: http.StatusNotFound,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"usage":   stats,
	})
}

// UsageReset handles DELETE /v1/usage/{user_id}.
func (h *Handler) UsageReset(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	deleted, err := h.pipeline.ResetUsage(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, gwerrors.NewKVUnavailableError("usage store unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"reset":   deleted,
	})
}

// RateLimitStatus handles GET /v1/rate-limit/{user_id}.
func (h *Handler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.pipeline.RateLimitStatus(r.Context(), r.PathValue("user_id"))
	if err != nil {
		writeError(w, h.logger, gwerrors.NewKVUnavailableError("rate limit store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// RateLimitReset handles DELETE /v1/rate-limit/{user_id}.
func (h *Handler) RateLimitReset(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	removed, err := h.pipeline.ResetRateLimit(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, gwerrors.NewKVUnavailableError("rate limit store unavailable"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"reset":   removed > 0,
	})
}

// CacheStats handles GET /v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.CacheStats(r.Context())
	if err != nil {
		writeError(w, h.logger, gwerrors.NewKVUnavailableError("cache store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CacheClear handles DELETE /v1/cache/clear.
func (h *Handler) CacheClear(w http.ResponseWriter, r *http.Request) {
	removed, err := h.pipeline.ClearCache(r.Context())
	if err != nil {
		writeError(w, h.logger, gwerrors.NewKVUnavailableError("cache store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_count": removed})
}

// Summary handles GET /v1/admin/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.pipeline.Summary(r.Context())
	if err != nil {
		writeError(w, h.logger, gwerrors.NewKVUnavailableError("summary store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
