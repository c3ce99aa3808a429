package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/stagegate/internal/engine"
	"github.com/rendis/stagegate/internal/streaming"
	"github.com/rendis/stagegate/pkg/schema"
)

// streamLine is one NDJSON line: a token, then exactly one of the terminal
// fields.
type streamLine struct {
	Token     string            `json:"token,omitempty"`
	Suspended *workflowResponse `json:"suspended,omitempty"`
	Completed *workflowResponse `json:"completed,omitempty"`
	Error     *schema.Error     `json:"error,omitempty"`
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeStart(w, r)
	if !ok {
		return
	}
	s.serveNDJSON(w, r, s.engine.StreamStart(r.Context(), body.ThreadID, body.InitialQuery))
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	threadID, feedback, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	s.serveNDJSON(w, r, s.engine.StreamResume(r.Context(), threadID, feedback))
}

// serveNDJSON writes a step's events as newline-delimited JSON. The status
// is always 200 once streaming starts; failures arrive as an error line.
// A client disconnect cancels the request context and with it the step.
func (s *Server) serveNDJSON(w http.ResponseWriter, r *http.Request, events <-chan engine.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range events {
		var line streamLine
		switch ev.Kind {
		case engine.EventKindToken:
			line.Token = ev.Token
		case engine.EventKindSuspended:
			resp := toResponse(ev.Outcome)
			line.Suspended = &resp
		case engine.EventKindCompleted:
			resp := toResponse(ev.Outcome)
			line.Completed = &resp
		case engine.EventKindFailed:
			line.Error = toSchemaError(ev.Err)
			if StatusFor(ev.Err) >= http.StatusInternalServerError {
				s.logger.ErrorContext(r.Context(), "stream failed", "error", ev.Err)
				captureError(r, ev.Err)
			}
		}
		if err := enc.Encode(line); err != nil {
			s.logger.DebugContext(r.Context(), "stream write failed", "error", err)
			drain(events)
			return
		}
		flusher.Flush()
	}
}

// drain consumes the rest of a stream so its producer can exit.
func drain(events <-chan engine.Event) {
	go func() {
		for range events {
		}
	}()
}

// handleSSEGlobal streams all live events via Server-Sent Events.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{})
}

// handleSSEThread streams live events for one thread.
func (s *Server) handleSSEThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if _, err := s.engine.Status(r.Context(), threadID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveSSE(w, r, streaming.EventFilter{ThreadID: threadID})
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming not supported"))
		return
	}

	ch, cancel, err := s.hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.pumpSSE(r.Context(), w, flusher, ch)
}

func (s *Server) pumpSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, ch <-chan streaming.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
