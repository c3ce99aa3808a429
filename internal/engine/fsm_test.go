package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

// --- ThreadFSM Tests ---

func TestThreadFSM_Lifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewThreadFSM(app)
	ctx := context.Background()

	steps := []struct {
		from    schema.ThreadStatus
		trigger Trigger
		stage   string
	}{
		{statusNew, TriggerStart, "architect"},
		{schema.ThreadStatusAwaitingStageRun, TriggerStageDone, "architect"},
		{schema.ThreadStatusAwaitingReview, TriggerRevise, "architect"},
		{schema.ThreadStatusAwaitingStageRun, TriggerStageDone, "architect"},
		{schema.ThreadStatusAwaitingReview, TriggerApprove, "architect"},
		{schema.ThreadStatusAwaitingStageRun, TriggerStageDone, "planner"},
		{schema.ThreadStatusAwaitingReview, TriggerComplete, "planner"},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, "t-1", s.stage, s.from, s.trigger, nil))
	}

	var types []string
	for _, ev := range app.Events() {
		assert.Equal(t, "t-1", ev.ThreadID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventThreadStarted,
		schema.EventReviewRequested,
		schema.EventReviewRevised,
		schema.EventReviewRequested,
		schema.EventReviewApproved,
		schema.EventReviewRequested,
		schema.EventThreadCompleted,
	}, types)
}

func TestThreadFSM_Next(t *testing.T) {
	fsm := NewThreadFSM(&mockAppender{})

	to, err := fsm.Next("t-1", schema.ThreadStatusAwaitingReview, TriggerComplete)
	require.NoError(t, err)
	assert.Equal(t, schema.ThreadStatusDone, to)

	to, err = fsm.Next("t-1", schema.ThreadStatusAwaitingReview, TriggerApprove)
	require.NoError(t, err)
	assert.Equal(t, schema.ThreadStatusAwaitingStageRun, to)
}

func TestThreadFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewThreadFSM(app)
	ctx := context.Background()

	invalid := []struct {
		from    schema.ThreadStatus
		trigger Trigger
	}{
		{statusNew, TriggerApprove},
		{schema.ThreadStatusAwaitingStageRun, TriggerComplete},
		{schema.ThreadStatusAwaitingReview, TriggerStart},
		{schema.ThreadStatusDone, TriggerRevise},
		{schema.ThreadStatusDone, TriggerApprove},
	}
	for _, tt := range invalid {
		err := fsm.Transition(ctx, "t-1", "architect", tt.from, tt.trigger, nil)
		var se *schema.Error
		require.ErrorAs(t, err, &se, "%q on %s", tt.from, tt.trigger)
		assert.Equal(t, schema.ErrCodeInvalidTransition, se.Code)
	}
	assert.Empty(t, app.Events())
}

func TestThreadFSM_Payload(t *testing.T) {
	app := &mockAppender{}
	fsm := NewThreadFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), "t-1", "architect",
		schema.ThreadStatusAwaitingReview, TriggerApprove, map[string]any{"next_stage": "planner"}))

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "architect", events[0].Stage)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "planner", payload["next_stage"])
}

func TestThreadFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewThreadFSM(app)
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(TriggerComplete, func(from, to schema.ThreadStatus) error {
		calls = append(calls, "before:"+string(from)+"->"+string(to))
		return nil
	})
	fsm.OnAfter(TriggerComplete, func(from, to schema.ThreadStatus) error {
		calls = append(calls, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "t-1", "planner", schema.ThreadStatusAwaitingReview, TriggerComplete, nil))
	assert.Equal(t, []string{"before:awaiting_review->done", "after"}, calls)

	// Hooks are keyed by trigger.
	require.NoError(t, fsm.Transition(ctx, "t-1", "planner", schema.ThreadStatusAwaitingReview, TriggerRevise, nil))
	assert.Len(t, calls, 2)
}

func TestThreadFSM_BeforeHookAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewThreadFSM(app)
	fsm.OnBefore(TriggerStart, func(_, _ schema.ThreadStatus) error { return errors.New("veto") })

	err := fsm.Transition(context.Background(), "t-1", "architect", statusNew, TriggerStart, nil)
	assert.EqualError(t, err, "veto")
	assert.Empty(t, app.Events())
}

func TestThreadFSM_AppenderFailure(t *testing.T) {
	fsm := NewThreadFSM(&failAppender{})

	err := fsm.Transition(context.Background(), "t-1", "architect", statusNew, TriggerStart, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
