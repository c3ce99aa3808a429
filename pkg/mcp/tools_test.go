package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagegate/pkg/schema"
)

const todoGoals = "## Project Goals\n1. build a todo app\n\n## Follow-up Questions\nNo follow-up questions.\n"

// fakeSession is a minimal client session for session capture.
type fakeSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, ch: make(chan mcp.JSONRPCNotification, 8)}
}

func (f *fakeSession) Initialize()       {}
func (f *fakeSession) Initialized() bool { return true }
func (f *fakeSession) SessionID() string { return f.id }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return f.ch
}

var _ server.ClientSession = (*fakeSession)(nil)

func startThread(t *testing.T, s *Server, threadID string) outcomeResult {
	t.Helper()
	result, err := s.handleStart(context.Background(), buildRequest("stagegate.start", map[string]any{
		"input":     "build a todo app",
		"thread_id": threadID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var out outcomeResult
	unmarshalResult(t, result, &out)
	return out
}

func resumeThread(t *testing.T, s *Server, threadID string, feedback any) *mcp.CallToolResult {
	t.Helper()
	result, err := s.handleResume(context.Background(), buildRequest("stagegate.resume", map[string]any{
		"thread_id": threadID,
		"feedback":  feedback,
	}))
	require.NoError(t, err)
	return result
}

func TestStartTool(t *testing.T) {
	s, _ := newTestServer(t)

	out := startThread(t, s, "t1")
	assert.Equal(t, "t1", out.ThreadID)
	assert.Equal(t, schema.ThreadStatusAwaitingReview, out.Status)
	assert.Equal(t, "architect", out.Stage)
	assert.Equal(t, todoGoals, out.ContentToReview)
	assert.Contains(t, out.Instruction, "approve")
	assert.Empty(t, out.FinalOutput)
}

func TestStartToolGeneratesThreadID(t *testing.T) {
	s, _ := newTestServer(t)

	out := startThread(t, s, "")
	assert.NotEmpty(t, out.ThreadID)
}

func TestStartToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStart(context.Background(), buildRequest("stagegate.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "input is required", extractText(t, result))

	startThread(t, s, "dup")
	result, err = s.handleStart(context.Background(), buildRequest("stagegate.start", map[string]any{
		"input":     "again",
		"thread_id": "dup",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeThreadExists)
}

func TestResumeToolFullRun(t *testing.T) {
	s, _ := newTestServer(t)
	startThread(t, s, "t1")

	result := resumeThread(t, s, "t1", "add user auth")
	require.False(t, result.IsError, extractText(t, result))
	var out outcomeResult
	unmarshalResult(t, result, &out)
	assert.Equal(t, "architect", out.Stage)
	assert.Contains(t, out.ContentToReview, "add user auth")

	result = resumeThread(t, s, "t1", "approve")
	unmarshalResult(t, result, &out)
	assert.Equal(t, "planner", out.Stage)
	assert.Equal(t, schema.ThreadStatusAwaitingReview, out.Status)

	result = resumeThread(t, s, "t1", " Approve ")
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.ThreadStatusDone, out.Status)
	assert.NotEmpty(t, out.FinalOutput)

	result = resumeThread(t, s, "t1", "more please")
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeWorkflowComplete)
}

func TestResumeToolErrors(t *testing.T) {
	s, _ := newTestServer(t)
	startThread(t, s, "t1")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing thread", map[string]any{"feedback": "approve"}, "thread_id is required"},
		{"unknown thread", map[string]any{"thread_id": "nope", "feedback": "approve"}, schema.ErrCodeUnknownThread},
		{"missing feedback", map[string]any{"thread_id": "t1"}, schema.ErrCodeMalformedResume},
		{"null feedback", map[string]any{"thread_id": "t1", "feedback": nil}, schema.ErrCodeMalformedResume},
		{"numeric feedback", map[string]any{"thread_id": "t1", "feedback": 42}, schema.ErrCodeMalformedResume},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleResume(context.Background(), buildRequest("stagegate.resume", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestStatusTool(t *testing.T) {
	s, _ := newTestServer(t)
	startThread(t, s, "t1")

	result, err := s.handleStatus(context.Background(), buildRequest("stagegate.status", map[string]any{"thread_id": "t1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var state schema.WorkflowState
	unmarshalResult(t, result, &state)
	assert.Equal(t, "architect", state.CurrentStage)
	assert.Equal(t, schema.ThreadStatusAwaitingReview, state.Status)
	assert.Equal(t, todoGoals, state.StageOutputs["architect"])

	result, err = s.handleStatus(context.Background(), buildRequest("stagegate.status", map[string]any{
		"thread_id": "t1",
		"jq":        ".histories.architect | length",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Equal(t, "2", extractText(t, result))
}

func TestStatusToolErrors(t *testing.T) {
	s, _ := newTestServer(t)
	startThread(t, s, "t1")

	result, err := s.handleStatus(context.Background(), buildRequest("stagegate.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("stagegate.status", map[string]any{"thread_id": "nope"}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), schema.ErrCodeUnknownThread)

	result, err = s.handleStatus(context.Background(), buildRequest("stagegate.status", map[string]any{
		"thread_id": "t1",
		"jq":        ".[",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestThreadsTool(t *testing.T) {
	s, _ := newTestServer(t)
	startThread(t, s, "a")
	startThread(t, s, "b")
	resumeThread(t, s, "b", "approve")

	var out struct {
		Threads []struct {
			ThreadID     string `json:"thread_id"`
			CurrentStage string `json:"current_stage"`
		} `json:"threads"`
		Count int `json:"count"`
	}

	result, err := s.handleThreads(context.Background(), buildRequest("stagegate.threads", map[string]any{}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Equal(t, 2, out.Count)

	result, err = s.handleThreads(context.Background(), buildRequest("stagegate.threads", map[string]any{
		"filter": map[string]any{"stage": "planner"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "b", out.Threads[0].ThreadID)

	result, err = s.handleThreads(context.Background(), buildRequest("stagegate.threads", map[string]any{
		"where": `thread.current_stage == "architect"`,
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "a", out.Threads[0].ThreadID)

	result, err = s.handleThreads(context.Background(), buildRequest("stagegate.threads", map[string]any{
		"filter": map[string]any{"limit": float64(1)},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Equal(t, 1, out.Count)
}

func TestThreadsToolInvalidWhere(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleThreads(context.Background(), buildRequest("stagegate.threads", map[string]any{
		"where": "thread.revision >",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPipelineTool(t *testing.T) {
	s, _ := newTestServer(t)
	startThread(t, s, "t1")

	result, err := s.handlePipeline(context.Background(), buildRequest("stagegate.pipeline", map[string]any{}))
	require.NoError(t, err)
	var def struct {
		Stages []struct {
			Name string `json:"name"`
		} `json:"stages"`
	}
	unmarshalResult(t, result, &def)
	require.Len(t, def.Stages, 2)
	assert.Equal(t, "architect", def.Stages[0].Name)

	result, err = s.handlePipeline(context.Background(), buildRequest("stagegate.pipeline", map[string]any{
		"format":    "json",
		"thread_id": "t1",
	}))
	require.NoError(t, err)
	var withThread map[string]any
	unmarshalResult(t, result, &withThread)
	assert.Equal(t, "architect", withThread["current_stage"])

	result, err = s.handlePipeline(context.Background(), buildRequest("stagegate.pipeline", map[string]any{
		"format": "ascii",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "│ planner │")

	result, err = s.handlePipeline(context.Background(), buildRequest("stagegate.pipeline", map[string]any{
		"format":    "mermaid",
		"thread_id": "t1",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "class review_architect suspended")
}

func TestPipelineToolImage(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handlePipeline(context.Background(), buildRequest("stagegate.pipeline", map[string]any{
		"format": "image",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	png, err := base64.StdEncoding.DecodeString(extractText(t, result))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestPipelineToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handlePipeline(context.Background(), buildRequest("stagegate.pipeline", map[string]any{
		"format": "svg",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handlePipeline(context.Background(), buildRequest("stagegate.pipeline", map[string]any{
		"thread_id": "nope",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), schema.ErrCodeUnknownThread)
}

func TestStartCapturesSession(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := s.mcpServer.WithContext(context.Background(), newFakeSession("sess-1"))

	result, err := s.handleStart(ctx, buildRequest("stagegate.start", map[string]any{
		"input":     "build a todo app",
		"thread_id": "t1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	sid, ok := s.sessions.SessionFor("t1")
	assert.True(t, ok)
	assert.Equal(t, "sess-1", sid)

	// A failed start does not claim the thread.
	_, err = s.handleStart(ctx, buildRequest("stagegate.start", map[string]any{"input": ""}))
	require.NoError(t, err)
	assert.Equal(t, 1, s.sessions.Len())
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x", "e": true}
	assert.Equal(t, 3, extractInt(filter, "a", 0))
	assert.Equal(t, 4, extractInt(filter, "b", 0))
	assert.Equal(t, 5, extractInt(filter, "c", 0))
	assert.Equal(t, 9, extractInt(filter, "d", 9))
	assert.Equal(t, 9, extractInt(filter, "e", 9))
	assert.Equal(t, 9, extractInt(filter, "missing", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

// --- Test helpers ---

func buildRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
