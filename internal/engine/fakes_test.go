package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagegate/internal/llm"
	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/internal/streaming"
	"github.com/rendis/stagegate/internal/validation"
	"github.com/rendis/stagegate/pkg/schema"
)

// fakeModel answers with reply(req, call) and records every request.
// It streams its answer word by word.
type fakeModel struct {
	mu    sync.Mutex
	reqs  []llm.Request
	reply func(req llm.Request, call int) (*llm.Response, error)
}

func (m *fakeModel) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	n := len(m.reqs)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.reply(req, n)
}

func (m *fakeModel) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (*llm.Response, error) {
	resp, err := m.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, w := range strings.SplitAfter(resp.Text(), " ") {
		if w != "" {
			onDelta(w)
		}
	}
	return resp, nil
}

func (m *fakeModel) requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.reqs...)
}

// echoReply answers with the last user message.
func echoReply(req llm.Request, _ int) (*llm.Response, error) {
	return llm.AssistantResponse(req.Messages[len(req.Messages)-1].Content), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  *store.MemoryStore
	hub    *streaming.MemoryHub
	clock  *clockwork.FakeClock
}

type harnessOption func(*Config)

func withPipeline(p *pipeline.Definition) harnessOption {
	return func(c *Config) { c.Pipeline = p }
}

func withCheckpoints(cs store.CheckpointStore, ev store.EventLog) harnessOption {
	return func(c *Config) {
		c.Checkpoints = cs
		c.Events = ev
	}
}

// newHarness builds an engine over the default pipeline with model behind
// the structured-output middleware.
func newHarness(t *testing.T, model llm.Model, opts ...harnessOption) *harness {
	t.Helper()
	v, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	def, err := pipeline.Default(v)
	require.NoError(t, err)

	h := &harness{
		store: store.NewMemoryStore(),
		hub:   streaming.NewMemoryHub(),
		clock: clockwork.NewFakeClockAt(testEpoch),
	}
	cfg := Config{
		Pipeline:    def,
		Models:      llm.NewRegistry("default", llm.Chain(model, llm.WithStructuredOutput(v, quietLogger()))),
		Checkpoints: h.store,
		Events:      h.store,
		Hub:         h.hub,
		Clock:       h.clock,
		Logger:      quietLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.engine, err = New(cfg)
	require.NoError(t, err)
	return h
}

func singleStage(t *testing.T) *pipeline.Definition {
	t.Helper()
	def, err := pipeline.New("single", "", []pipeline.Stage{{Name: "writer", Instruction: "approve or edit"}})
	require.NoError(t, err)
	return def
}

func (h *harness) state(t *testing.T, threadID string) *schema.WorkflowState {
	t.Helper()
	s, err := h.store.Load(context.Background(), threadID)
	require.NoError(t, err)
	return s
}

func (h *harness) eventTypes(t *testing.T, threadID string) []string {
	t.Helper()
	events, err := h.store.GetEvents(context.Background(), threadID, 0)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}
