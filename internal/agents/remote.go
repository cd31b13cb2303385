package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// remoteRequest is the JSON body POSTed to an analysis endpoint.
type remoteRequest struct {
	RunID      string                     `json:"run_id"`
	Agent      string                     `json:"agent"`
	Scratchpad map[string]json.RawMessage `json:"scratchpad,omitempty"`
	Upstream   map[string]json.RawMessage `json:"upstream,omitempty"`
	Answers    map[string]json.RawMessage `json:"answers,omitempty"`
}

// remoteResponse is the expected JSON response.
type remoteResponse struct {
	Result json.RawMessage `json:"result"`
	// Question, when non-empty, asks the engine to suspend the run for a
	// human answer instead of recording a result.
	Question string `json:"question,omitempty"`
}

// RemoteAgent executes an analysis task by calling an external analysis
// service over HTTP. The engine treats the endpoint as an opaque executable:
// prompt construction and LLM calls live behind it.
type RemoteAgent struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewRemoteAgent creates a RemoteAgent for one endpoint. Per-call deadlines
// come from the coordinator's context, so the client itself has no timeout.
func NewRemoteAgent(name, endpoint string) *RemoteAgent {
	return &RemoteAgent{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

func (a *RemoteAgent) Name() string { return a.name }

func (a *RemoteAgent) Execute(ctx context.Context, tc *TaskContext) (json.RawMessage, error) {
	ctx, span := otel.Tracer("agents").Start(ctx, "agent.remote")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.name", a.name),
		attribute.String("agent.endpoint", a.endpoint),
		attribute.String("run.id", tc.RunID),
	)

	body, err := json.Marshal(remoteRequest{
		RunID:      tc.RunID,
		Agent:      a.name,
		Scratchpad: tc.Scratchpad,
		Upstream:   tc.Upstream,
		Answers:    tc.Answers,
	})
	if err != nil {
		return nil, &domain.AgentError{Kind: domain.KindValidation, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.AgentError{Kind: domain.KindValidation, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "deadline exceeded")
			return nil, fmt.Errorf("call %s: %w", a.endpoint, ctx.Err())
		}
		span.SetStatus(codes.Error, "request failed")
		return nil, &domain.AgentError{Kind: domain.KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &domain.AgentError{Kind: domain.KindTransient, Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		span.SetStatus(codes.Error, "upstream server error")
		return nil, &domain.AgentError{
			Kind:    domain.KindTransient,
			Message: fmt.Sprintf("%s returned %d", a.endpoint, resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		// Client errors are not going to clear on retry.
		span.SetStatus(codes.Error, "rejected by analysis service")
		return nil, &domain.AgentError{
			Kind:    domain.KindValidation,
			Message: fmt.Sprintf("%s returned %d: %s", a.endpoint, resp.StatusCode, truncate(raw, 256)),
		}
	}

	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &domain.AgentError{Kind: domain.KindValidation, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if out.Question != "" {
		return nil, &domain.FeedbackRequiredError{Prompt: out.Question}
	}
	if len(out.Result) == 0 {
		return nil, &domain.AgentError{Kind: domain.KindValidation, Message: "response carried no result"}
	}
	return out.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
