package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// ErrorResponse is the error envelope returned on every failure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeError renders an error as the envelope, translating unclassified
// errors to an opaque 500. A rate-limit denial also sets Retry-After.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	gwErr := &gwerrors.GatewayError{}
	if !errors.As(err, &gwErr) {
		logger.Error("unclassified_error", slog.String("error", err.Error()))
		gwErr = gwerrors.NewInternalError("internal server error")
	}

	status := gwErr.HTTPStatusCode()
	message := gwErr.Message
	if gwErr.Code == gwerrors.CodeInternal {
		// Internal detail is for logs only.
		message = "internal server error"
	}

	if gwErr.Code == gwerrors.CodeRateLimitExceeded && gwErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(gwErr.RetryAfter))
	}

	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    gwErr.Code,
		Code:    status,
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
