// Package engine drives threads through a pipeline of reviewed stages.
//
// Each step runs a stage on a staged copy of the thread's histories and
// commits the result with one checkpoint write, so a failed or cancelled
// step leaves the last committed state untouched.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/llm"
	"github.com/rendis/stagegate/internal/logging"
	"github.com/rendis/stagegate/internal/metrics"
	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/internal/streaming"
	"github.com/rendis/stagegate/pkg/schema"
)

// Config wires an Engine's collaborators.
type Config struct {
	Pipeline    *pipeline.Definition
	Models      *llm.Registry
	Checkpoints store.CheckpointStore
	// Events receives the audit trail. Nil discards it.
	Events store.EventLog
	// Hub receives live events and tokens. Nil discards them.
	Hub    streaming.EventHub
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Engine is the workflow engine. Safe for concurrent use; calls on the same
// thread are serialized.
type Engine struct {
	pipeline    *pipeline.Definition
	checkpoints store.CheckpointStore
	events      store.EventLog
	hub         streaming.EventHub
	clock       clockwork.Clock
	logger      *slog.Logger

	runner *StageRunner
	gate   ReviewGate
	router Router
	fsm    *ThreadFSM
	locks  *threadLocks
	cel    *expressions.CELEngine
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Pipeline == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: pipeline is required")
	}
	if cfg.Models == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: model registry is required")
	}
	if cfg.Checkpoints == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine: checkpoint store is required")
	}
	for _, s := range cfg.Pipeline.Stages {
		if _, err := cfg.Models.Resolve(s.Model); err != nil {
			return nil, stageErr(err, s.Name)
		}
	}
	if cfg.Events == nil {
		cfg.Events = discardEvents{}
	}
	if cfg.Hub == nil {
		cfg.Hub = streaming.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		pipeline:    cfg.Pipeline,
		checkpoints: cfg.Checkpoints,
		events:      cfg.Events,
		hub:         cfg.Hub,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		runner:      NewStageRunner(cfg.Models, cfg.Logger),
		locks:       newThreadLocks(),
		cel:         cel,
	}
	e.fsm = NewThreadFSM(&publishingAppender{log: cfg.Events, hub: cfg.Hub})
	e.fsm.OnAfter(TriggerComplete, func(_, _ schema.ThreadStatus) error {
		metrics.RecordThreadCompleted()
		return nil
	})
	return e, nil
}

// Pipeline returns the engine's pipeline definition.
func (e *Engine) Pipeline() *pipeline.Definition {
	return e.pipeline
}

// Start creates a thread and runs its first stage. An empty threadID is
// replaced with a generated one. Starting an existing thread fails with
// THREAD_EXISTS.
func (e *Engine) Start(ctx context.Context, threadID, input string) (*schema.Outcome, error) {
	return e.start(ctx, threadID, input, nil)
}

// Resume applies review feedback to a thread suspended at a review gate.
// "approve" (case-insensitive, trimmed) advances; anything else re-runs the
// current stage with the feedback as input.
func (e *Engine) Resume(ctx context.Context, threadID, feedback string) (*schema.Outcome, error) {
	return e.resume(ctx, threadID, feedback, nil)
}

func (e *Engine) start(ctx context.Context, threadID, input string, onToken func(string)) (*schema.Outcome, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if !utf8.ValidString(input) {
		return nil, schema.NewError(schema.ErrCodeValidation, "initial input is not valid UTF-8")
	}

	first := e.pipeline.First()
	ctx = logging.WithThread(ctx, threadID, first.Name)
	release, err := e.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, cancelled(err)
	}
	defer release()

	if _, err := e.checkpoints.Load(ctx, threadID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeThreadExists, "thread %q already exists", threadID).
			WithDetails(map[string]any{"thread_id": threadID})
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, storeErr(err)
	}

	now := e.clock.Now().UTC()
	state := schema.NewWorkflowState(threadID, first.Name, input, now)
	pending := []transition{{from: statusNew, trigger: TriggerStart, stage: first.Name}}

	e.logger.InfoContext(ctx, "thread starting")
	return e.step(ctx, state, pending, false, onToken)
}

func (e *Engine) resume(ctx context.Context, threadID, feedback string, onToken func(string)) (*schema.Outcome, error) {
	if threadID == "" {
		return nil, schema.MalformedResumeInputError("thread id is required")
	}
	if !utf8.ValidString(feedback) {
		return nil, schema.MalformedResumeInputError("feedback is not valid UTF-8")
	}

	ctx = logging.WithThreadID(ctx, threadID)
	release, err := e.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, cancelled(err)
	}
	defer release()

	state, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	decision := e.router.Decide(feedback, state.CurrentStage)

	if state.Done() {
		if decision == Advance {
			return e.completed(state), nil
		}
		return nil, schema.WorkflowCompleteError(threadID)
	}

	current, ok := e.pipeline.Stage(state.CurrentStage)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"thread %q is at stage %q, which is not in the pipeline", threadID, state.CurrentStage).
			WithStage(state.CurrentStage)
	}
	ctx = logging.WithStage(ctx, current.Name)

	// Steps only commit suspended states, so anything else was not written
	// by this engine.
	if state.Status != schema.ThreadStatusAwaitingReview {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"thread %q is %s, not awaiting review", threadID, state.Status).WithStage(current.Name)
	}

	metrics.RecordReviewDecision(current.Name, decision.String())
	next := state.Clone()

	if decision == Retry {
		e.logger.InfoContext(ctx, "revision requested")
		next.PendingInput = feedback
		next.Status = schema.ThreadStatusAwaitingStageRun
		pending := []transition{{from: state.Status, trigger: TriggerRevise, stage: current.Name}}
		return e.step(ctx, next, pending, false, onToken)
	}

	following, hasNext := e.pipeline.Next(current.Name)
	if !hasNext {
		return e.complete(ctx, state, current)
	}

	seed, err := e.pipeline.Seed(current, state.StageOutputs[current.Name], following, state)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "stage approved", "next_stage", following.Name)

	next.CurrentStage = following.Name
	next.PendingInput = seed
	next.Status = schema.ThreadStatusAwaitingStageRun
	pending := []transition{{
		from:    state.Status,
		trigger: TriggerApprove,
		stage:   current.Name,
		payload: map[string]any{"next_stage": following.Name},
	}}
	return e.step(logging.WithStage(ctx, following.Name), next, pending, true, onToken)
}

// step runs state.CurrentStage with state.PendingInput and commits the
// result. reset clears the stage history before the run. Transitions in
// pending are emitted after the commit, followed by the review request.
func (e *Engine) step(ctx context.Context, state *schema.WorkflowState, pending []transition, reset bool, onToken func(string)) (*schema.Outcome, error) {
	stage, ok := e.pipeline.Stage(state.CurrentStage)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", state.CurrentStage)
	}

	conv := store.NewMemoryConversations()
	conv.Load(state.ThreadID, state.Histories)
	if reset {
		if err := conv.Reset(ctx, state.ThreadID, stage.Name); err != nil {
			return nil, err
		}
	}

	e.publish(ctx, state.ThreadID, stage.Name, schema.EventStageStarted, nil)
	tokens := onToken
	if tokens == nil {
		tokens = func(string) {}
	}
	start := e.clock.Now()
	out, err := e.runner.Run(ctx, conv, state.ThreadID, stage, state.PendingInput, func(tok string) {
		e.publish(ctx, state.ThreadID, stage.Name, schema.EventToken, map[string]any{"token": tok})
		tokens(tok)
	})
	if err == nil && ctx.Err() != nil {
		err = cancelled(ctx.Err())
	}
	if err != nil {
		metrics.RecordStageRun(stage.Name, "failed")
		e.stageFailed(ctx, state, stage.Name, err)
		return nil, err
	}

	next := state.Clone()
	next.Histories[stage.Name] = conv.Snapshot(state.ThreadID)[stage.Name]
	next.StageOutputs[stage.Name] = out.Rendered
	next.Status, err = e.fsm.Next(state.ThreadID, state.Status, TriggerStageDone)
	if err != nil {
		return nil, err
	}
	next.Revision++
	next.UpdatedAt = e.clock.Now().UTC()

	if err := e.checkpoints.Save(ctx, next); err != nil {
		metrics.RecordStageRun(stage.Name, "failed")
		return nil, storeErr(err)
	}
	metrics.RecordStageRun(stage.Name, "completed")
	e.logger.InfoContext(ctx, "stage awaiting review",
		"revision", next.Revision, "duration", e.clock.Since(start), "output_len", len(out.Rendered))

	pending = append(pending, transition{
		from:    state.Status,
		trigger: TriggerStageDone,
		stage:   stage.Name,
		payload: map[string]any{"revision": next.Revision},
	})
	e.emit(ctx, state.ThreadID, pending)

	return &schema.Outcome{
		ThreadID:   next.ThreadID,
		Status:     next.Status,
		Suspension: e.gate.Present(stage, out.Rendered),
		Stage:      stage.Name,
	}, nil
}

// complete moves an approved last stage to the terminal sentinel.
func (e *Engine) complete(ctx context.Context, state *schema.WorkflowState, last pipeline.Stage) (*schema.Outcome, error) {
	next := state.Clone()
	to, err := e.fsm.Next(state.ThreadID, state.Status, TriggerComplete)
	if err != nil {
		return nil, err
	}
	next.Status = to
	next.CurrentStage = schema.StageDone
	next.PendingInput = ""
	next.Revision++
	next.UpdatedAt = e.clock.Now().UTC()

	if err := e.checkpoints.Save(ctx, next); err != nil {
		return nil, storeErr(err)
	}
	e.logger.InfoContext(ctx, "thread completed", "revision", next.Revision)
	e.emit(ctx, state.ThreadID, []transition{{from: state.Status, trigger: TriggerComplete, stage: last.Name}})
	return e.completed(next), nil
}

// completed builds the completion payload of a finished thread.
func (e *Engine) completed(state *schema.WorkflowState) *schema.Outcome {
	last := e.pipeline.Stages[len(e.pipeline.Stages)-1].Name
	return &schema.Outcome{
		ThreadID: state.ThreadID,
		Status:   schema.ThreadStatusDone,
		Output:   state.StageOutputs[last],
		Stage:    last,
	}
}

// emit fires committed transitions. The checkpoint is already durable, so
// audit failures are logged rather than returned.
func (e *Engine) emit(ctx context.Context, threadID string, pending []transition) {
	for _, t := range pending {
		if err := e.fsm.Transition(ctx, threadID, t.stage, t.from, t.trigger, t.payload); err != nil {
			e.logger.ErrorContext(ctx, "failed to record transition", "trigger", t.trigger, "error", err)
		}
	}
}

// stageFailed records a failed run. Threads without a checkpoint only get
// the live event.
func (e *Engine) stageFailed(ctx context.Context, state *schema.WorkflowState, stage string, cause error) {
	payload := map[string]any{"error": cause.Error()}
	if se, ok := schema.AsError(cause); ok {
		payload["code"] = se.Code
	}
	e.logger.WarnContext(ctx, "stage run failed", "error", cause)
	e.publish(ctx, state.ThreadID, stage, schema.EventStageFailed, payload)
	if state.Revision == 0 {
		return
	}
	ev := &store.Event{ThreadID: state.ThreadID, Stage: stage, Type: schema.EventStageFailed}
	if raw, err := marshalPayload(payload); err == nil {
		ev.Payload = raw
	}
	// The caller's context may be the reason for the failure.
	if err := e.events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.ErrorContext(ctx, "failed to record stage failure", "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, threadID, stage, eventType string, payload any) {
	_ = e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ThreadID:  threadID,
		Stage:     stage,
		EventType: eventType,
		Payload:   payload,
	})
}

func (e *Engine) load(ctx context.Context, threadID string) (*schema.WorkflowState, error) {
	state, err := e.checkpoints.Load(ctx, threadID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.UnknownThreadError(threadID)
		}
		return nil, storeErr(err)
	}
	return state, nil
}

// --- Read-only queries ---

// Status returns the committed state of a thread.
func (e *Engine) Status(ctx context.Context, threadID string) (*schema.WorkflowState, error) {
	return e.load(ctx, threadID)
}

// Threads lists thread summaries matching filter and, when where is not
// empty, the CEL expression where evaluated against each summary as `thread`.
func (e *Engine) Threads(ctx context.Context, filter store.ThreadFilter, where string) ([]*store.ThreadSummary, error) {
	if where != "" {
		if err := e.cel.Check(where); err != nil {
			return nil, err
		}
	}
	limit := filter.Limit
	if where != "" {
		// The CEL filter runs after the store limit would have applied.
		filter.Limit = 0
	}
	all, err := e.checkpoints.List(ctx, filter)
	if err != nil {
		return nil, storeErr(err)
	}
	if where == "" {
		return all, nil
	}

	out := make([]*store.ThreadSummary, 0, len(all))
	for _, s := range all {
		ok, err := e.cel.Match(ctx, where, SummaryFields(s))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Events returns the audit trail of a thread after sequence since.
func (e *Engine) Events(ctx context.Context, threadID string, since int64) ([]*store.Event, error) {
	if _, err := e.load(ctx, threadID); err != nil {
		return nil, err
	}
	events, err := e.events.GetEvents(ctx, threadID, since)
	if err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

// Evict removes a thread's checkpoint and audit trail. Later resumes fail
// with UNKNOWN_THREAD.
func (e *Engine) Evict(ctx context.Context, threadID, reason string) error {
	ctx = logging.WithThreadID(ctx, threadID)
	release, err := e.locks.acquire(ctx, threadID)
	if err != nil {
		return cancelled(err)
	}
	defer release()

	if err := e.checkpoints.Delete(ctx, threadID); err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return schema.UnknownThreadError(threadID)
		}
		return storeErr(err)
	}
	metrics.RecordThreadEvicted(reason)
	e.publish(ctx, threadID, "", schema.EventThreadEvicted, map[string]any{"reason": reason})
	e.logger.InfoContext(ctx, "thread evicted", "reason", reason)
	return nil
}

// SummaryFields is the map a thread filter expression sees as `thread`.
func SummaryFields(s *store.ThreadSummary) map[string]any {
	return map[string]any{
		"thread_id":     s.ThreadID,
		"current_stage": s.CurrentStage,
		"status":        string(s.Status),
		"revision":      s.Revision,
		"created_at":    s.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":    s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseFeedback converts a decoded transport value into resume feedback.
// Anything but a string is MALFORMED_RESUME_INPUT.
func ParseFeedback(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", schema.MalformedResumeInputError("feedback is required")
	default:
		return "", schema.MalformedResumeInputError(fmt.Sprintf("feedback must be a string, got %T", v))
	}
}

func storeErr(err error) error {
	if _, ok := schema.AsError(err); ok {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "store: %s", err.Error()).WithCause(err)
}

func cancelled(err error) error {
	if _, ok := schema.AsError(err); ok {
		return err
	}
	return schema.NewError(schema.ErrCodeCancelled, "operation cancelled").WithCause(err)
}
