package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"

	"github.com/rendis/stagegate/internal/logging"
	"github.com/rendis/stagegate/internal/metrics"
	"github.com/rendis/stagegate/pkg/schema"
)

const providerAnthropic = "anthropic"

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey    string
	Model     string
	MaxTokens int64
	// Temperature is passed through when non-nil.
	Temperature *float64
}

// AnthropicModel implements Model and Streamer with the Anthropic Messages API.
// The SDK's own retries are disabled; WithRetry owns that concern.
type AnthropicModel struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature *float64
	logger      *slog.Logger
}

// NewAnthropicModel creates an Anthropic-backed model.
func NewAnthropicModel(cfg AnthropicConfig, logger *slog.Logger) *AnthropicModel {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicModel{
		client:      anthropic.NewClient(opts...),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

func (m *AnthropicModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	return m.call(ctx, req, nil)
}

func (m *AnthropicModel) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	return m.call(ctx, req, onDelta)
}

func (m *AnthropicModel) call(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", m.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(m.model))
	span.SetData("gen_ai.request.max_tokens", m.maxTokens)
	span.SetData("gen_ai.system", providerAnthropic)
	if id := logging.ThreadID(ctx); id != "" {
		span.SetTag("thread_id", id)
	}
	span.SetTag("stage", req.Stage)
	ctx = span.Context()
	defer span.Finish()

	params := m.params(req)
	start := time.Now()
	m.logger.DebugContext(ctx, "anthropic call starting",
		"model", m.model, "messages", len(params.Messages), "streaming", onDelta != nil)

	var (
		msg *anthropic.Message
		err error
	)
	if onDelta != nil {
		msg, err = m.stream(ctx, params, onDelta)
	} else {
		msg, err = m.client.Messages.New(ctx, params)
	}

	duration := time.Since(start)
	metrics.RecordModelRequest(providerAnthropic, req.Stage, duration, err)
	if err != nil {
		m.logger.ErrorContext(ctx, "anthropic call failed", "duration", duration, "error", err)
		span.Status = sentry.SpanStatusInternalError
		return nil, classifyAnthropicError(err)
	}

	m.logger.InfoContext(ctx, "anthropic call completed",
		"duration", duration,
		"stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	metrics.RecordModelTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	resp := AssistantResponse(text.String())
	resp.Usage = Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
	return resp, nil
}

func (m *AnthropicModel) stream(ctx context.Context, params anthropic.MessageNewParams, onDelta func(string)) (*anthropic.Message, error) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			m.logger.WarnContext(ctx, "failed to accumulate stream event", "error", err)
			continue
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					onDelta(d.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// params maps a Request onto the Messages API. Tool messages are sent as
// user turns; the API only accepts user and assistant roles.
func (m *AnthropicModel) params(req Request) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := anthropic.MessageParamRoleUser
		if msg.Role == schema.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		msgs = append(msgs, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if m.temperature != nil {
		params.Temperature = anthropic.Float(*m.temperature)
	}
	return params
}

// statusError exposes an HTTP status for retry classification.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.status }

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &statusError{status: apiErr.StatusCode, err: fmt.Errorf("anthropic API error: %w", err)}
	}
	return fmt.Errorf("anthropic API error: %w", err)
}
