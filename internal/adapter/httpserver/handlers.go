package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/worthit-bot/worthit/internal/adapter/cache"
	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
	"github.com/worthit-bot/worthit/internal/adapter/telegram"
	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/mesh"
	"github.com/worthit-bot/worthit/internal/usecase"
)

// Server bundles the gateway handlers and their dependencies.
type Server struct {
	Analyze usecase.AnalyzeService
	Redis   *redisconn.Manager
	Mesh    *mesh.Mesh
	Cache   *cache.Analytics
	Version string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type analyzeRequest struct {
	URL    string `json:"url" validate:"required,http_url"`
	ChatID int64  `json:"chat_id,omitempty"`
}

type analyzeResponse struct {
	TaskID     string                 `json:"task_id"`
	Status     string                 `json:"status"`
	ETASeconds int                    `json:"eta_seconds,omitempty"`
	Result     *domain.AnalysisResult `json:"result,omitempty"`
}

// AnalyzeHandler accepts a product URL and enqueues an analysis task. A URL
// whose most recent task already completed is answered from that record
// without enqueuing again.
func (s *Server) AnalyzeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: url must be a valid http(s) URL", domain.ErrValidation))
			return
		}
		if rec, err := s.Analyze.CompletedForURL(r.Context(), req.URL); err == nil && rec != nil {
			writeJSON(w, http.StatusOK, analyzeResponse{
				TaskID: rec.ID,
				Status: string(domain.TaskCompleted),
				Result: rec.Result,
			})
			return
		}
		id, err := s.Analyze.SubmitURL(r.Context(), req.URL, req.ChatID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, analyzeResponse{
			TaskID:     id,
			Status:     string(domain.TaskProcessing),
			ETASeconds: s.Analyze.ETA,
		})
	}
}

// TaskStatusHandler returns the status record for a task id.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := s.Analyze.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// WebhookHandler accepts bot updates and enqueues them at high priority so
// chat interactions stay responsive under analysis load. The endpoint
// always acknowledges parseable updates; processing happens in the worker.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, r, err)
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err))
			return
		}
		update, err := telegram.ParseUpdate(body)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed update: %v", domain.ErrValidation, err))
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed update: %v", domain.ErrValidation, err))
			return
		}
		task := &domain.Task{
			Type:     domain.TaskTelegramUpdate,
			Priority: domain.PriorityHigh,
			ChatID:   update.ChatID(),
			Data:     map[string]any{"update": payload},
		}
		if _, err := s.Analyze.Submit(r.Context(), task); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HealthHandler reports liveness plus store, mesh, and cache diagnostics.
// One failing dependency degrades the report; the store unreachable with no
// healthy mesh instance left means nothing can be served, so the report is
// unhealthy.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"status":  "ok",
			"version": s.Version,
		}
		redisDown := false
		if s.Redis != nil {
			if err := s.Redis.HealthCheck(r.Context()); err != nil {
				redisDown = true
				out["redis_error"] = "unreachable"
			}
			out["redis"] = s.Redis.Metrics()
		}
		meshDown := false
		if s.Mesh != nil {
			out["mesh"] = s.Mesh.Summary()
			meshDown = !s.Mesh.HasHealthy()
		}
		if s.Cache != nil {
			out["cache"] = s.Cache.Snapshot()
		}
		switch {
		case redisDown && meshDown:
			out["status"] = "unhealthy"
		case redisDown || meshDown:
			out["status"] = "degraded"
		}
		status := http.StatusOK
		if out["status"] != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, out)
	}
}

// decodeJSON parses the body into v, classifying malformed input as a
// validation error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err)
	}
	return nil
}
