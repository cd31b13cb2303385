package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/internal/postgres"
	redisstore "github.com/semenandronov/legaltech-sub000/internal/redis"
	"github.com/semenandronov/legaltech-sub000/pkg/telemetry"
)

// Orchestrator is the slice of the engine the HTTP surface needs.
type Orchestrator interface {
	StartRun(ctx context.Context, runID string, tasks []string, scratchpad map[string]json.RawMessage) (string, error)
	ResumeRun(ctx context.Context, runID string) error
	GetRunState(ctx context.Context, runID string) (*domain.RunState, error)
	SubmitFeedback(ctx context.Context, runID, questionID string, answer json.RawMessage) error
	CancelRun(ctx context.Context, runID string) error
}

// REST handles HTTP requests for the orchestrator.
type REST struct {
	orc     Orchestrator
	repo    postgres.RunRepository
	limiter redisstore.RateLimiter
	ready   func(ctx context.Context) error
	logger  *slog.Logger
}

// Option configures the REST handler.
type Option func(*REST)

// WithRateLimiter gates run submission through a Redis sliding window.
func WithRateLimiter(l redisstore.RateLimiter) Option {
	return func(h *REST) { h.limiter = l }
}

// WithReadyCheck sets the dependency probe behind /readyz.
func WithReadyCheck(f func(ctx context.Context) error) Option {
	return func(h *REST) { h.ready = f }
}

// NewREST creates a REST handler over the engine and the audit repository.
func NewREST(orc Orchestrator, repo postgres.RunRepository, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{orc: orc, repo: repo, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on the router.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", h.StartRun)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/events", h.ListEvents)
		r.Post("/runs/{id}/feedback/{question_id}", h.SubmitFeedback)
		r.Post("/runs/{id}/resume", h.ResumeRun)
		r.Delete("/runs/{id}", h.CancelRun)
	})
}

// StartRunRequest is the JSON body for POST /api/v1/runs.
type StartRunRequest struct {
	RunID      string                     `json:"run_id,omitempty"`
	Tasks      []string                   `json:"tasks"`
	Scratchpad map[string]json.RawMessage `json:"scratchpad,omitempty"`
}

// StartRunResponse is the 202 response body.
type StartRunResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStateResponse is the GET /runs/{id} response body.
type RunStateResponse struct {
	RunID           string                     `json:"run_id"`
	Status          string                     `json:"status"`
	Seq             uint64                     `json:"seq"`
	Requested       []string                   `json:"requested_tasks"`
	TaskStatus      map[string]domain.Status   `json:"task_status"`
	TaskResults     map[string]json.RawMessage `json:"task_results,omitempty"`
	Attempts        map[string]int             `json:"attempt_count"`
	Errors          []domain.TaskError         `json:"errors,omitempty"`
	PendingFeedback *domain.PendingFeedback    `json:"pending_feedback,omitempty"`
	Adaptations     []domain.Adaptation        `json:"adaptation_history,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// StartRun handles POST /api/v1/runs.
func (h *REST) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "api.start_run")
	defer span.End()

	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "field 'tasks' is required")
		return
	}

	if h.limiter != nil {
		ok, err := h.limiter.Allow(ctx, clientKey(r))
		if err != nil {
			h.logger.Error("rate limiter error", slog.String("error", err.Error()))
			// Degrade open: a limiter outage must not block submissions.
		} else if !ok {
			telemetry.APIRateLimitedTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
			return
		}
	}

	runID, err := h.orc.StartRun(ctx, req.RunID, req.Tasks, req.Scratchpad)
	if err != nil {
		var unknown *domain.UnknownAgentError
		var missing *domain.MissingDependencyError
		var active *domain.RunAlreadyActiveError
		switch {
		case errors.As(err, &unknown):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &missing):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &active):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("start run failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to start run")
		}
		return
	}

	span.SetAttributes(attribute.String("run.id", runID))
	telemetry.APIRunsSubmitted.Inc()
	h.logger.Info("run submitted",
		slog.String("run_id", runID),
		slog.Int("tasks", len(req.Tasks)),
	)

	writeJSON(w, http.StatusAccepted, StartRunResponse{
		RunID:     runID,
		Status:    string(domain.RunRunning),
		CreatedAt: time.Now().UTC(),
	})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *REST) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	st, err := h.orc.GetRunState(r.Context(), runID)
	if err != nil {
		h.writeLoadError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, RunStateResponse{
		RunID:           st.RunID,
		Status:          string(st.Status),
		Seq:             st.Seq,
		Requested:       st.Requested,
		TaskStatus:      st.TaskStatus,
		TaskResults:     st.TaskResults,
		Attempts:        st.Attempts,
		Errors:          st.Errors,
		PendingFeedback: st.PendingFeedback,
		Adaptations:     st.Adaptations,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	})
}

// ListEvents handles GET /api/v1/runs/{id}/events.
func (h *REST) ListEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	evs, err := h.repo.ListEvents(r.Context(), runID)
	if err != nil {
		h.logger.Error("list events failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": evs})
}

// FeedbackRequest is the JSON body for answering a pending question.
type FeedbackRequest struct {
	Answer json.RawMessage `json:"answer"`
}

// SubmitFeedback handles POST /api/v1/runs/{id}/feedback/{question_id}.
func (h *REST) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	questionID := chi.URLParam(r, "question_id")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Answer) == 0 || string(req.Answer) == "null" {
		writeError(w, http.StatusBadRequest, "field 'answer' is required")
		return
	}

	err := h.orc.SubmitFeedback(r.Context(), runID, questionID, req.Answer)
	if err != nil {
		var unknownQ *domain.UnknownQuestionError
		var notFound *domain.RunNotFoundError
		switch {
		case errors.As(err, &unknownQ):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, "run not found")
		default:
			h.logger.Error("submit feedback failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to submit feedback")
		}
		return
	}

	h.logger.Info("feedback submitted",
		slog.String("run_id", runID),
		slog.String("question_id", questionID),
	)
	w.WriteHeader(http.StatusNoContent)
}

// ResumeRun handles POST /api/v1/runs/{id}/resume.
func (h *REST) ResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.orc.ResumeRun(r.Context(), runID); err != nil {
		var notFound *domain.RunNotFoundError
		var active *domain.RunAlreadyActiveError
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, "run not found")
		case errors.As(err, &active):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "resuming"})
}

// CancelRun handles DELETE /api/v1/runs/{id}.
func (h *REST) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.orc.CancelRun(r.Context(), runID); err != nil {
		var notFound *domain.RunNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("cancel run failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and probes the checkpoint store.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "dependencies not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) writeLoadError(w http.ResponseWriter, runID string, err error) {
	var notFound *domain.RunNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error("load run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to retrieve run")
}

// clientKey buckets submissions for rate limiting. Behind a proxy the
// X-Forwarded-For header identifies the caller; otherwise the socket does.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
