// Package llm defines the model collaborator used by stage runs, its
// providers and the decorators (retry, circuit breaker, rate limit, timeout,
// structured output) that wrap them.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/stagegate/pkg/schema"
)

// Request is one model invocation for a stage.
type Request struct {
	Stage    string
	System   string
	Messages []schema.Message
	// Schema, when set, asks for a JSON object conforming to it.
	Schema json.RawMessage
}

// Usage reports token accounting when the provider exposes it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response carries the messages the model produced (not the input history)
// and, when a schema was requested and satisfied, the structured result.
type Response struct {
	Messages   []schema.Message
	Structured map[string]any
	Usage      Usage
}

// Text returns the content of the last produced message.
func (r *Response) Text() string {
	if r == nil || len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// Model invokes a language model.
type Model interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Streamer is implemented by models that can emit text deltas while running.
// The returned Response is the same as Invoke would return.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, req Request) (*Response, error)

func (f ModelFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// StreamOrInvoke streams when m supports it. Otherwise it invokes m and
// emits the final text as a single delta.
func StreamOrInvoke(ctx context.Context, m Model, req Request, onDelta func(string)) (*Response, error) {
	if onDelta == nil {
		return m.Invoke(ctx, req)
	}
	if s, ok := m.(Streamer); ok {
		return s.Stream(ctx, req, onDelta)
	}
	resp, err := m.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if text := resp.Text(); text != "" {
		onDelta(text)
	}
	return resp, nil
}

// AssistantResponse builds a Response with a single assistant message.
func AssistantResponse(text string) *Response {
	return &Response{Messages: []schema.Message{{Role: schema.RoleAssistant, Content: text}}}
}

// Middleware decorates a Model.
type Middleware func(Model) Model

// Chain applies middlewares so the first one listed is the outermost.
func Chain(m Model, mws ...Middleware) Model {
	for i := len(mws) - 1; i >= 0; i-- {
		m = mws[i](m)
	}
	return m
}

// Registry resolves models by name. Stages without an explicit model use
// the default entry.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Model
	fallback string
}

// NewRegistry creates a registry whose default model is registered under name.
func NewRegistry(name string, m Model) *Registry {
	r := &Registry{models: make(map[string]Model), fallback: name}
	r.models[name] = m
	return r
}

// Register adds or replaces a named model.
func (r *Registry) Register(name string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = m
}

// Resolve returns the named model, or the default when name is empty.
func (r *Registry) Resolve(name string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	m, ok := r.models[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "model %q is not registered", name).
			WithDetails(map[string]any{"model": name, "registered": r.namesLocked()})
	}
	return m, nil
}

// Names lists registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// describe is used in log lines and error messages.
func describe(req Request) string {
	return fmt.Sprintf("stage=%s messages=%d structured=%t", req.Stage, len(req.Messages), len(req.Schema) > 0)
}
