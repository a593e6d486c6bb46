// Package httpserver exposes the gateway HTTP surface: task submission,
// status lookup, the webhook, and health.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/observability"
)

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}

// writeError maps a domain error onto its HTTP status with a safe message.
// Internal details never leak to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= 500 {
		observability.LoggerFromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{
		Status:    "error",
		Message:   message,
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}

func statusFor(err error) (int, string) {
	// Chunked bodies bypass the Content-Length gate and fail mid-read
	// against the MaxBytesReader cap.
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "request body too large"
	}
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "task not found"
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusInternalServerError, "task record failed verification"
	case errors.Is(err, domain.ErrConnectionUnavailable),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrNoHealthyInstance):
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, domain.ErrUpstreamAuth),
		errors.Is(err, domain.ErrUpstreamTransient),
		errors.Is(err, domain.ErrUpstreamPermanent):
		return http.StatusBadGateway, "upstream service error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
