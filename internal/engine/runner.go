package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/llm"
	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

// StageOutput is the result of one stage run.
type StageOutput struct {
	// Rendered is the text presented for review.
	Rendered string
	// Messages are the messages the model produced, in order.
	Messages []schema.Message
	// Structured is the validated structured result, if any.
	Structured map[string]any
}

// StageRunner runs one stage against its conversation history.
// It does not retry; retry policy lives in the model middleware chain.
type StageRunner struct {
	models *llm.Registry
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewStageRunner creates a StageRunner resolving stage models from models.
func NewStageRunner(models *llm.Registry, logger *slog.Logger) *StageRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageRunner{models: models, jq: expressions.NewGoJQEngine(), logger: logger}
}

// Run appends input as a user message, invokes the stage model with the full
// stage history and appends every produced message. onToken, when set,
// receives model output deltas as they arrive.
func (r *StageRunner) Run(ctx context.Context, conv store.ConversationStore, threadID string, stage pipeline.Stage, input string, onToken func(string)) (*StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, runCancelled(stage.Name, err)
	}
	if err := conv.Append(ctx, threadID, stage.Name, schema.Message{Role: schema.RoleUser, Content: input}); err != nil {
		return nil, err
	}
	history, err := conv.History(ctx, threadID, stage.Name)
	if err != nil {
		return nil, err
	}

	model, err := r.models.Resolve(stage.Model)
	if err != nil {
		return nil, stageErr(err, stage.Name)
	}

	req := llm.Request{Stage: stage.Name, System: stage.Prompt, Messages: history}
	if stage.Output != nil {
		req.Schema = stage.Output.Schema
	}

	resp, err := llm.StreamOrInvoke(ctx, model, req, onToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, runCancelled(stage.Name, ctxErr)
		}
		return nil, schema.ModelInvocationError(stage.Name, err)
	}
	if resp == nil || len(resp.Messages) == 0 {
		return nil, schema.ModelInvocationError(stage.Name, errors.New("model returned no messages"))
	}

	if err := conv.Append(ctx, threadID, stage.Name, resp.Messages...); err != nil {
		return nil, err
	}

	return &StageOutput{
		Rendered:   r.render(ctx, stage, resp),
		Messages:   resp.Messages,
		Structured: resp.Structured,
	}, nil
}

// render projects a structured result through the stage's jq queries, or
// falls back to the text of the last produced message.
func (r *StageRunner) render(ctx context.Context, stage pipeline.Stage, resp *llm.Response) string {
	if stage.Output == nil || resp.Structured == nil {
		return resp.Text()
	}
	goals, err := r.jq.Strings(ctx, stage.Output.GoalsQuery(), resp.Structured)
	if err != nil {
		r.logger.WarnContext(ctx, "goals projection failed, using raw text", "error", err)
		return resp.Text()
	}
	questions, err := r.jq.Strings(ctx, stage.Output.QuestionsQuery(), resp.Structured)
	if err != nil {
		r.logger.WarnContext(ctx, "questions projection failed, using raw text", "error", err)
		return resp.Text()
	}
	return renderStructured(goals, questions)
}

func runCancelled(stage string, cause error) error {
	return schema.NewError(schema.ErrCodeCancelled, "stage run cancelled").WithStage(stage).WithCause(cause)
}

func stageErr(err error, stage string) error {
	if e, ok := schema.AsError(err); ok && e.Stage == "" {
		return e.WithStage(stage)
	}
	return err
}
