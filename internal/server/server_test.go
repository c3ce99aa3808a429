package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagegate/internal/engine"
	"github.com/rendis/stagegate/internal/llm"
	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/internal/streaming"
	"github.com/rendis/stagegate/internal/validation"
	"github.com/rendis/stagegate/pkg/schema"
)

func newTestServer(t *testing.T) (*Server, *streaming.MemoryHub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	def, err := pipeline.Default(v)
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	ms := store.NewMemoryStore()
	eng, err := engine.New(engine.Config{
		Pipeline:    def,
		Models:      llm.NewRegistry("default", llm.Chain(llm.NewEchoModel(0), llm.WithStructuredOutput(v, logger))),
		Checkpoints: ms,
		Events:      ms,
		Hub:         hub,
		Logger:      logger,
	})
	require.NoError(t, err)
	return New(Config{}, eng, hub, logger), hub
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func TestWorkflowRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"build a todo app","thread_id":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[workflowResponse](t, rec)
	assert.Equal(t, "t1", resp.ThreadID)
	assert.Equal(t, "architect", resp.Stage)
	assert.Equal(t, schema.ThreadStatusAwaitingReview, resp.Status)
	assert.Contains(t, resp.AgentOutput, "1. build a todo app")
	assert.Contains(t, resp.AgentInstruction, "Type 'approve'")
	assert.Empty(t, resp.FinalOutput)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = do(t, s, http.MethodPost, "/workflow/resume", `{"run_id":"t1","query":"approve"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[workflowResponse](t, rec)
	assert.Equal(t, "planner", resp.Stage)
	assert.True(t, strings.HasPrefix(resp.AgentOutput, "Higher-Level Objectives"))

	rec = do(t, s, http.MethodPost, "/workflow/resume", `{"run_id":"t1","query":"approve"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[workflowResponse](t, rec)
	assert.Equal(t, schema.ThreadStatusDone, resp.Status)
	assert.True(t, strings.HasPrefix(resp.FinalOutput, "Higher-Level Objectives"))
	assert.Empty(t, resp.AgentOutput)

	rec = do(t, s, http.MethodPost, "/workflow/resume", `{"run_id":"t1","query":"one more thing"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeWorkflowComplete, errorCode(t, rec))
}

// TestChatClientSequence replays the browser client: the first message
// starts a thread, architect feedback goes to /workflow/architect_review and,
// once the user approves, every message streams through /workflow/chat.
func TestChatClientSequence(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"build a todo app"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[map[string]any](t, rec)
	threadID, _ := started["thread_id"].(string)
	require.NotEmpty(t, threadID)
	assert.Equal(t, "architect", started["agent_node"])
	assert.Contains(t, started["agent_output"], "1. build a todo app")
	assert.NotEmpty(t, started["agent_instruction"])

	rec = do(t, s, http.MethodPost, "/workflow/architect_review",
		`{"run_id":"`+threadID+`","query":"add user accounts"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reviewed := decode[map[string]any](t, rec)
	assert.Equal(t, "architect", reviewed["agent_node"])
	assert.Contains(t, reviewed["agent_output"], "1. add user accounts")

	rec = do(t, s, http.MethodPost, "/workflow/chat", `{"run_id":"`+threadID+`","query":"approve"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	lines := ndjson(t, rec.Body)
	require.GreaterOrEqual(t, len(lines), 2)
	var text strings.Builder
	for _, l := range lines[:len(lines)-1] {
		require.NotEmpty(t, l.Token)
		text.WriteString(l.Token)
	}
	assert.True(t, strings.HasPrefix(text.String(), "Higher-Level Objectives"), text.String())
	last := lines[len(lines)-1]
	require.NotNil(t, last.Suspended)
	assert.Equal(t, "planner", last.Suspended.AgentNode)

	rec = do(t, s, http.MethodPost, "/workflow/chat", `{"run_id":"`+threadID+`","query":"approve"}`)
	lines = ndjson(t, rec.Body)
	require.Len(t, lines, 1)
	require.NotNil(t, lines[0].Completed)
	assert.Equal(t, schema.ThreadStatusDone, lines[0].Completed.Status)
	assert.Equal(t, "planner", lines[0].Completed.AgentNode)
	assert.True(t, strings.HasPrefix(lines[0].Completed.FinalOutput, "Higher-Level Objectives"))
}

func TestStartErrors(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/workflow/start", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// Blank input is a valid (if unhelpful) idea, as it is for Engine.Start.
	rec = do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"  ","thread_id":"blank"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "architect", decode[workflowResponse](t, rec).AgentNode)

	rec = do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"x","thread_id":"dup"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"x","thread_id":"dup"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeThreadExists, errorCode(t, rec))

	rec = do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[workflowResponse](t, rec).ThreadID, 36)
}

func TestChatErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown thread", `{"run_id":"nope","query":"approve"}`, http.StatusNotFound, schema.ErrCodeUnknownThread},
		{"numeric query", `{"run_id":"t1","query":42}`, http.StatusBadRequest, schema.ErrCodeMalformedResume},
		{"missing query", `{"run_id":"t1"}`, http.StatusBadRequest, schema.ErrCodeMalformedResume},
		{"missing run id", `{"query":"approve"}`, http.StatusBadRequest, schema.ErrCodeMalformedResume},
		{"bad json", `{"run_id":`, http.StatusBadRequest, schema.ErrCodeMalformedResume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/workflow/resume", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestChatStream(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/workflow/start/stream", `{"initial_query":"build a todo app","thread_id":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := ndjson(t, rec.Body)
	require.GreaterOrEqual(t, len(lines), 2)
	var text strings.Builder
	for _, l := range lines[:len(lines)-1] {
		require.NotEmpty(t, l.Token)
		text.WriteString(l.Token)
	}
	assert.Contains(t, text.String(), `"project_goals"`)
	last := lines[len(lines)-1]
	require.NotNil(t, last.Suspended)
	assert.Equal(t, "architect", last.Suspended.Stage)

	rec = do(t, s, http.MethodPost, "/workflow/chat/stream", `{"run_id":"t1","query":"approve"}`)
	lines = ndjson(t, rec.Body)
	require.NotNil(t, lines[len(lines)-1].Suspended)
	assert.Equal(t, "planner", lines[len(lines)-1].Suspended.Stage)

	rec = do(t, s, http.MethodPost, "/workflow/chat/stream", `{"run_id":"t1","query":"approve"}`)
	lines = ndjson(t, rec.Body)
	require.Len(t, lines, 1)
	require.NotNil(t, lines[0].Completed)

	rec = do(t, s, http.MethodPost, "/workflow/chat/stream", `{"run_id":"missing","query":"approve"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	lines = ndjson(t, rec.Body)
	require.Len(t, lines, 1)
	require.NotNil(t, lines[0].Error)
	assert.Equal(t, schema.ErrCodeUnknownThread, lines[0].Error.Code)

	rec = do(t, s, http.MethodPost, "/workflow/chat/stream", `{"run_id":"t1","query":null}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type ndjsonLine struct {
	Token     string            `json:"token"`
	Suspended *workflowResponse `json:"suspended"`
	Completed *workflowResponse `json:"completed"`
	Error     *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func ndjson(t *testing.T, r io.Reader) []ndjsonLine {
	t.Helper()
	var out []ndjsonLine
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var l ndjsonLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), sc.Text())
		out = append(out, l)
	}
	return out
}

func TestThreadQueries(t *testing.T) {
	s, _ := newTestServer(t)
	for _, id := range []string{"a", "b"} {
		rec := do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"idea","thread_id":"`+id+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/workflow/resume", `{"run_id":"b","query":"approve"}`).Code)

	rec := do(t, s, http.MethodGet, "/workflow/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, rec)["count"])

	rec = do(t, s, http.MethodGet, `/workflow/?where=thread.current_stage%20%3D%3D%20%22planner%22`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[struct {
		Threads []store.ThreadSummary `json:"threads"`
	}](t, rec)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, "b", list.Threads[0].ThreadID)

	rec = do(t, s, http.MethodGet, "/workflow/?where=thread.status%20%3D%3D", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/workflow/b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[schema.WorkflowState](t, rec)
	assert.Equal(t, "planner", state.CurrentStage)
	assert.Len(t, state.Histories["architect"], 2)

	rec = do(t, s, http.MethodGet, "/workflow/b?jq=.histories.planner%5B0%5D.role", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"user"`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/workflow/b/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), decode[map[string]any](t, rec)["count"])

	rec = do(t, s, http.MethodGet, "/workflow/b/events?since=3", "")
	assert.Equal(t, float64(1), decode[map[string]any](t, rec)["count"])

	rec = do(t, s, http.MethodGet, "/workflow/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvict(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"x","thread_id":"t1"}`).Code)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/workflow/t1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/workflow/t1", "").Code)
	rec := do(t, s, http.MethodPost, "/workflow/resume", `{"run_id":"t1","query":"approve"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineAndDiagrams(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/pipeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	def := decode[pipeline.Definition](t, rec)
	assert.Equal(t, []string{"architect", "planner"}, []string{def.Stages[0].Name, def.Stages[1].Name})

	rec = do(t, s, http.MethodGet, "/pipeline?format=mermaid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "graph TD"))

	rec = do(t, s, http.MethodGet, "/pipeline?format=ascii", "")
	assert.Contains(t, rec.Body.String(), "│ planner │")

	rec = do(t, s, http.MethodGet, "/pipeline?format=svg", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"x","thread_id":"t1"}`).Code)
	rec = do(t, s, http.MethodGet, "/workflow/t1/diagram", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "class review_architect suspended")
}

func TestOperationalEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stagegate_http_requests_total")
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/workflow/start", nil)
	req.Header.Set("Origin", DefaultCORSOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, DefaultCORSOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSetCORSOrigins(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	s.SetCORSOrigins([]string{"http://ui.example"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://ui.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", DefaultCORSOrigin)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSSEThread(t *testing.T) {
	s, hub := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/workflow/start", `{"initial_query":"x","thread_id":"t1"}`).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse/workflow/t1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	go func() {
		resp, err := http.Post(ts.URL+"/workflow/chat", "application/json",
			bytes.NewBufferString(`{"run_id":"t1","query":"approve"}`))
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	var seen []string
	for sc.Scan() {
		line := sc.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, ev)
			if ev == schema.EventReviewRequested {
				break
			}
		}
	}
	assert.Contains(t, seen, schema.EventStageStarted)
	assert.Contains(t, seen, schema.EventReviewApproved)
	assert.Equal(t, schema.EventReviewRequested, seen[len(seen)-1])

	rec := do(t, s, http.MethodGet, "/sse/workflow/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	timeout := schema.NewError(schema.ErrCodeTimeout, "model call exceeded 1s")
	tests := []struct {
		err  error
		want int
	}{
		{schema.UnknownThreadError("t"), http.StatusNotFound},
		{schema.MalformedResumeInputError("x"), http.StatusBadRequest},
		{schema.WorkflowCompleteError("t"), http.StatusConflict},
		{schema.ModelInvocationError("a", errors.New("boom")), http.StatusBadGateway},
		{schema.NewError(schema.ErrCodeCircuitOpen, "open"), http.StatusBadGateway},
		{schema.ModelInvocationError("a", timeout), http.StatusGatewayTimeout},
		{schema.NewError(schema.ErrCodeStore, "db"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
