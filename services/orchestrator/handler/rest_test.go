package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/internal/postgres"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeOrchestrator struct {
	startErr    error
	startedID   string
	started     []string
	scratchpad  map[string]json.RawMessage
	state       *domain.RunState
	loadErr     error
	feedbackErr error
	feedback    map[string]json.RawMessage
	resumeErr   error
	cancelErr   error
	cancelled   []string
}

func (f *fakeOrchestrator) StartRun(_ context.Context, runID string, tasks []string, scratchpad map[string]json.RawMessage) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	if runID == "" {
		runID = "generated-id"
	}
	f.startedID = runID
	f.started = tasks
	f.scratchpad = scratchpad
	return runID, nil
}

func (f *fakeOrchestrator) ResumeRun(context.Context, string) error { return f.resumeErr }

func (f *fakeOrchestrator) GetRunState(_ context.Context, runID string) (*domain.RunState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.state, nil
}

func (f *fakeOrchestrator) SubmitFeedback(_ context.Context, _ string, questionID string, answer json.RawMessage) error {
	if f.feedbackErr != nil {
		return f.feedbackErr
	}
	if f.feedback == nil {
		f.feedback = make(map[string]json.RawMessage)
	}
	f.feedback[questionID] = answer
	return nil
}

func (f *fakeOrchestrator) CancelRun(_ context.Context, runID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type fakeRepo struct {
	postgres.RunRepository
	events    []domain.StepEvent
	eventsErr error
}

func (f *fakeRepo) ListEvents(context.Context, string) ([]domain.StepEvent, error) {
	return f.events, f.eventsErr
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l *fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, l.err }
func (l *fakeLimiter) Limit() int                                  { return 10 }

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestRouter(orc *fakeOrchestrator, repo *fakeRepo, opts ...Option) http.Handler {
	h := NewREST(orc, repo, slog.Default(), opts...)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestStartRun_Accepted(t *testing.T) {
	orc := &fakeOrchestrator{}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs", StartRunRequest{
		Tasks:      []string{"extract_clauses", "classify_risk"},
		Scratchpad: map[string]json.RawMessage{"document_id": json.RawMessage(`"doc-1"`)},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp StartRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "generated-id", resp.RunID)
	assert.Equal(t, string(domain.RunRunning), resp.Status)
	assert.Equal(t, []string{"extract_clauses", "classify_risk"}, orc.started)
	assert.Contains(t, orc.scratchpad, "document_id")
}

func TestStartRun_MissingTasks(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{})
	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs", StartRunRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRun_InvalidBody(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRun_UnknownAgent(t *testing.T) {
	orc := &fakeOrchestrator{startErr: &domain.UnknownAgentError{Name: "ghost"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs", StartRunRequest{Tasks: []string{"ghost"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ghost")
}

func TestStartRun_MissingDependency(t *testing.T) {
	orc := &fakeOrchestrator{startErr: &domain.MissingDependencyError{Task: "classify_risk", Dependency: "extract_clauses"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs", StartRunRequest{Tasks: []string{"classify_risk"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "extract_clauses")
}

func TestStartRun_DuplicateRun(t *testing.T) {
	orc := &fakeOrchestrator{startErr: &domain.RunAlreadyActiveError{RunID: "r1"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs",
		StartRunRequest{RunID: "r1", Tasks: []string{"a"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartRun_RateLimited(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{},
		WithRateLimiter(&fakeLimiter{allow: false}))

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs", StartRunRequest{Tasks: []string{"a"}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStartRun_LimiterOutageDegradesOpen(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{},
		WithRateLimiter(&fakeLimiter{err: errors.New("redis down")}))

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs", StartRunRequest{Tasks: []string{"a"}})
	assert.Equal(t, http.StatusAccepted, rec.Code, "limiter outage must not block submissions")
}

func TestGetRun_Found(t *testing.T) {
	st := domain.NewRunState("r1", []string{"a"}, nil)
	st.Status = domain.RunCompleted
	st.TaskStatus["a"] = domain.StatusSucceeded
	h := newTestRouter(&fakeOrchestrator{state: st}, &fakeRepo{})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/runs/r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.RunID)
	assert.Equal(t, string(domain.RunCompleted), resp.Status)
	assert.Equal(t, domain.StatusSucceeded, resp.TaskStatus["a"])
}

func TestGetRun_NotFound(t *testing.T) {
	orc := &fakeOrchestrator{loadErr: &domain.RunNotFoundError{RunID: "nope"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	repo := &fakeRepo{events: []domain.StepEvent{
		{RunID: "r1", Task: "a", Status: "RUNNING", Seq: 1},
		{RunID: "r1", Task: "a", Status: "SUCCEEDED", Seq: 2},
		{RunID: "r1", Status: domain.EventTerminated, Reason: domain.ReasonCompleted, Seq: 3},
	}}
	h := newTestRouter(&fakeOrchestrator{}, repo)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/runs/r1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RunID  string             `json:"run_id"`
		Events []domain.StepEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.RunID)
	require.Len(t, resp.Events, 3)
	assert.Equal(t, domain.EventTerminated, resp.Events[2].Status)
}

func TestSubmitFeedback_Accepted(t *testing.T) {
	orc := &fakeOrchestrator{}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs/r1/feedback/q-1",
		FeedbackRequest{Answer: json.RawMessage(`"New York"`)})

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.JSONEq(t, `"New York"`, string(orc.feedback["q-1"]))
}

func TestSubmitFeedback_EmptyAnswer(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{})
	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs/r1/feedback/q-1", FeedbackRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFeedback_UnknownQuestion(t *testing.T) {
	orc := &fakeOrchestrator{feedbackErr: &domain.UnknownQuestionError{RunID: "r1", QuestionID: "q-9"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs/r1/feedback/q-9",
		FeedbackRequest{Answer: json.RawMessage(`"x"`)})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitFeedback_RunNotFound(t *testing.T) {
	orc := &fakeOrchestrator{feedbackErr: &domain.RunNotFoundError{RunID: "r1"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs/r1/feedback/q-1",
		FeedbackRequest{Answer: json.RawMessage(`"x"`)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeRun(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{})
	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs/r1/resume", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestResumeRun_NotFound(t *testing.T) {
	orc := &fakeOrchestrator{resumeErr: &domain.RunNotFoundError{RunID: "r1"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/runs/r1/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	orc := &fakeOrchestrator{}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/runs/r1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"r1"}, orc.cancelled)
}

func TestCancelRun_NotFound(t *testing.T) {
	orc := &fakeOrchestrator{cancelErr: &domain.RunNotFoundError{RunID: "r1"}}
	h := newTestRouter(orc, &fakeRepo{})

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/runs/r1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{})
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_DependencyDown(t *testing.T) {
	h := newTestRouter(&fakeOrchestrator{}, &fakeRepo{},
		WithReadyCheck(func(context.Context) error { return errors.New("redis unreachable") }))

	rec := doJSON(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClientKey_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, "10.0.0.1", clientKey(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, req.RemoteAddr, clientKey(req))
}
