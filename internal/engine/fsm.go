package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

// Trigger names the cause of a thread transition. Two triggers may share the
// same (from, to) pair, so the audit event is derived from the trigger.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerStageDone Trigger = "stage_done"
	TriggerRevise    Trigger = "revise"
	TriggerApprove   Trigger = "approve"
	TriggerComplete  Trigger = "complete"
)

// statusNew is the pseudo-state of a thread that has no checkpoint yet.
const statusNew schema.ThreadStatus = ""

// TransitionHook is called before or after a transition.
type TransitionHook func(from, to schema.ThreadStatus) error

// EventAppender is satisfied by the store EventLog; the FSM emits one audit
// event per transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidTransitions is the thread lifecycle table.
var ValidTransitions = map[schema.ThreadStatus]map[Trigger]schema.ThreadStatus{
	statusNew: {
		TriggerStart: schema.ThreadStatusAwaitingStageRun,
	},
	schema.ThreadStatusAwaitingStageRun: {
		TriggerStageDone: schema.ThreadStatusAwaitingReview,
	},
	schema.ThreadStatusAwaitingReview: {
		TriggerRevise:   schema.ThreadStatusAwaitingStageRun,
		TriggerApprove:  schema.ThreadStatusAwaitingStageRun,
		TriggerComplete: schema.ThreadStatusDone,
	},
	schema.ThreadStatusDone: {},
}

// ThreadFSM validates thread transitions and records them in the audit log.
// The caller persists the state; Transition only runs after a successful commit.
type ThreadFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[Trigger][]TransitionHook
	after    map[Trigger][]TransitionHook
}

// NewThreadFSM creates a ThreadFSM that emits events via appender.
func NewThreadFSM(appender EventAppender) *ThreadFSM {
	return &ThreadFSM{
		appender: appender,
		before:   make(map[Trigger][]TransitionHook),
		after:    make(map[Trigger][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition fired by trigger.
func (f *ThreadFSM) OnBefore(trigger Trigger, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before[trigger] = append(f.before[trigger], hook)
}

// OnAfter registers a hook called after a transition fired by trigger.
func (f *ThreadFSM) OnAfter(trigger Trigger, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[trigger] = append(f.after[trigger], hook)
}

// Next returns the state trigger leads to from from, or INVALID_TRANSITION.
func (f *ThreadFSM) Next(threadID string, from schema.ThreadStatus, trigger Trigger) (schema.ThreadStatus, error) {
	to, ok := ValidTransitions[from][trigger]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid thread transition: %q on %s", from, trigger).
			WithDetails(map[string]any{"thread_id": threadID, "from": string(from), "trigger": string(trigger)})
	}
	return to, nil
}

// Transition validates a transition, runs hooks and appends its audit event.
func (f *ThreadFSM) Transition(ctx context.Context, threadID, stage string, from schema.ThreadStatus, trigger Trigger, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	to, err := f.Next(threadID, from, trigger)
	if err != nil {
		return err
	}

	for _, hook := range f.before[trigger] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	event := &store.Event{
		ThreadID: threadID,
		Stage:    stage,
		Type:     triggerEventType(trigger),
	}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode event payload: %s", err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit thread event: %s", err.Error()).
			WithStage(stage).WithCause(err)
	}

	for _, hook := range f.after[trigger] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func triggerEventType(t Trigger) string {
	switch t {
	case TriggerStart:
		return schema.EventThreadStarted
	case TriggerStageDone:
		return schema.EventReviewRequested
	case TriggerRevise:
		return schema.EventReviewRevised
	case TriggerApprove:
		return schema.EventReviewApproved
	case TriggerComplete:
		return schema.EventThreadCompleted
	default:
		return string(t)
	}
}

// transition is a pending FSM step, fired once the checkpoint is committed.
type transition struct {
	from    schema.ThreadStatus
	trigger Trigger
	stage   string
	payload map[string]any
}
