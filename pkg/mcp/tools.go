package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stagegate/internal/diagram"
	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

// outcomeResult is the tool payload for start and resume.
type outcomeResult struct {
	ThreadID        string              `json:"thread_id"`
	Status          schema.ThreadStatus `json:"status"`
	Stage           string              `json:"stage"`
	Instruction     string              `json:"instruction,omitempty"`
	ContentToReview string              `json:"content_to_review,omitempty"`
	FinalOutput     string              `json:"final_output,omitempty"`
}

func toResult(out *schema.Outcome) outcomeResult {
	res := outcomeResult{ThreadID: out.ThreadID, Status: out.Status, Stage: out.Stage}
	if out.Suspension != nil {
		res.Instruction = out.Suspension.Instruction
		res.ContentToReview = out.Suspension.ContentToReview
	}
	if out.Completed() {
		res.FinalOutput = out.Output
	}
	return res
}

// handleStart creates a thread and runs its first stage.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := req.RequireString("input")
	if err != nil || input == "" {
		return mcp.NewToolResultError("input is required"), nil
	}
	threadID := req.GetString("thread_id", "")

	out, err := s.engine.Start(ctx, threadID, input)
	if err != nil {
		return errorResult(err), nil
	}
	s.captureSession(ctx, out.ThreadID)
	return marshalResult(toResult(out))
}

// handleResume feeds review feedback to a suspended thread.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	feedback, err := parseFeedbackArg(req)
	if err != nil {
		return errorResult(err), nil
	}

	s.captureSession(ctx, threadID)
	out, err := s.engine.Resume(ctx, threadID, feedback)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(toResult(out))
}

// handleStatus returns a thread's checkpoint, optionally projected with jq.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	state, err := s.engine.Status(ctx, threadID)
	if err != nil {
		return errorResult(err), nil
	}

	query := req.GetString("jq", "")
	if query == "" {
		return marshalResult(state)
	}
	data, err := expressions.ToJSONMap(state)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := s.jq.Evaluate(ctx, query, data)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(result)
}

// handleThreads lists thread summaries.
func (s *Server) handleThreads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	var filterMap map[string]any
	if f, ok := args["filter"].(map[string]any); ok {
		filterMap = f
	}
	filter := store.ThreadFilter{
		Status: schema.ThreadStatus(extractString(filterMap, "status")),
		Stage:  extractString(filterMap, "stage"),
		Limit:  extractInt(filterMap, "limit", 50),
	}

	threads, err := s.engine.Threads(ctx, filter, req.GetString("where", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(map[string]any{"threads": threads, "count": len(threads)})
}

// handlePipeline describes the configured stages, or renders them as a diagram.
func (s *Server) handlePipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "json")
	threadID := req.GetString("thread_id", "")

	var state *schema.WorkflowState
	if threadID != "" {
		st, err := s.engine.Status(ctx, threadID)
		if err != nil {
			return errorResult(err), nil
		}
		state = st
	}
	if format == "json" {
		if state == nil {
			return marshalResult(s.engine.Pipeline())
		}
		return marshalResult(map[string]any{
			"pipeline":      s.engine.Pipeline(),
			"current_stage": state.CurrentStage,
			"status":        state.Status,
		})
	}

	model, err := diagram.Build(s.engine.Pipeline(), state)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be json, ascii, mermaid, or image"), nil
	}
}

// --- Helpers ---

// parseFeedbackArg reads feedback without coercion so a non-string value
// is reported as malformed resume input.
func parseFeedbackArg(req mcp.CallToolRequest) (string, error) {
	v, ok := req.GetArguments()["feedback"]
	if !ok {
		return "", schema.MalformedResumeInputError("feedback is required")
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", schema.MalformedResumeInputError("feedback is required")
	default:
		return "", schema.MalformedResumeInputError(fmt.Sprintf("feedback must be a string, got %T", v))
	}
}

// errorResult renders an engine error as a tool error prefixed with its code.
func errorResult(err error) *mcp.CallToolResult {
	if se, ok := schema.AsError(err); ok {
		return mcp.NewToolResultError(se.Code + ": " + se.Message)
	}
	return mcp.NewToolResultError(err.Error())
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	if s, ok := filter[key].(string); ok {
		return s
	}
	return ""
}

// captureSession maps the thread to the caller's MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, threadID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(threadID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
