package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/stagegate/internal/diagram"
	"github.com/rendis/stagegate/internal/engine"
	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

type startRequest struct {
	InitialQuery string `json:"initial_query"`
	ThreadID     string `json:"thread_id,omitempty"`
}

// chatRequest keeps query untyped so a non-string value is reported as
// malformed input rather than a decode failure.
type chatRequest struct {
	RunID string `json:"run_id"`
	Query any    `json:"query"`
}

// workflowResponse is the shape the chat client consumes. AgentNode repeats
// Stage under the name the client reads.
type workflowResponse struct {
	ThreadID         string              `json:"thread_id"`
	Status           schema.ThreadStatus `json:"status"`
	Stage            string              `json:"stage"`
	AgentNode        string              `json:"agent_node"`
	AgentOutput      string              `json:"agent_output,omitempty"`
	AgentInstruction string              `json:"agent_instruction,omitempty"`
	FinalOutput      string              `json:"final_output,omitempty"`
}

func toResponse(out *schema.Outcome) workflowResponse {
	resp := workflowResponse{ThreadID: out.ThreadID, Status: out.Status, Stage: out.Stage, AgentNode: out.Stage}
	if out.Suspension != nil {
		resp.AgentOutput = out.Suspension.ContentToReview
		resp.AgentInstruction = out.Suspension.Instruction
	}
	if out.Completed() {
		resp.FinalOutput = out.Output
	}
	return resp
}

func (s *Server) decodeStart(w http.ResponseWriter, r *http.Request) (startRequest, bool) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error()))
		return body, false
	}
	return body, true
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, schema.MalformedResumeInputError("invalid JSON: "+err.Error()))
		return "", "", false
	}
	feedback, err := engine.ParseFeedback(body.Query)
	if err != nil {
		s.writeError(w, r, err)
		return "", "", false
	}
	return body.RunID, feedback, true
}

// handleStart creates a thread and returns its first review suspension.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeStart(w, r)
	if !ok {
		return
	}
	out, err := s.engine.Start(r.Context(), body.ThreadID, body.InitialQuery)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(out))
}

// handleResume resumes a thread with review feedback and answers with one
// JSON object once the step finishes.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	threadID, feedback, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	out, err := s.engine.Resume(r.Context(), threadID, feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(out))
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ThreadFilter{
		Status: schema.ThreadStatus(q.Get("status")),
		Stage:  q.Get("stage"),
		Limit:  queryInt(r, "limit", 100),
	}
	threads, err := s.engine.Threads(r.Context(), filter, q.Get("where"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads, "count": len(threads)})
}

// handleGetThread returns a thread's checkpoint, optionally projected
// through a jq expression given as ?jq=.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query().Get("jq")
	if query == "" {
		writeJSON(w, http.StatusOK, state)
		return
	}

	data, err := expressions.ToJSONMap(state)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.jq.Evaluate(r.Context(), query, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		since = 0
	}
	events, err := s.engine.Events(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Evict(r.Context(), chi.URLParam(r, "id"), "api"); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePipeline describes the pipeline as JSON, or as a diagram with
// ?format=mermaid|ascii|png.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" || format == "json" {
		writeJSON(w, http.StatusOK, s.engine.Pipeline())
		return
	}
	s.writeDiagram(w, r, nil, format)
}

// handleThreadDiagram renders the pipeline with a thread's position.
func (s *Server) handleThreadDiagram(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}
	s.writeDiagram(w, r, state, format)
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, state *schema.WorkflowState, format string) {
	model, err := diagram.Build(s.engine.Pipeline(), state)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch format {
	case "mermaid":
		writeText(w, "text/vnd.mermaid; charset=utf-8", diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderASCII(model))
	case "png":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	default:
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format))
	}
}
