package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/stagegate/internal/validation"
)

const structuredInstruction = "Respond with a single JSON object that conforms to this JSON Schema. " +
	"Do not add prose before or after the object.\n\nJSON Schema:\n"

// WithStructuredOutput handles requests that carry a Schema: it appends the
// schema to the system prompt, decodes the reply and validates it. A reply
// that cannot be decoded or does not validate leaves Structured nil, so the
// caller falls back to the raw text.
func WithStructuredOutput(v *validation.SchemaValidator, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Model) Model {
		return &structuredModel{next: next, validator: v, logger: logger}
	}
}

type structuredModel struct {
	next      Model
	validator *validation.SchemaValidator
	logger    *slog.Logger
}

func (m *structuredModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	if len(req.Schema) == 0 {
		return m.next.Invoke(ctx, req)
	}
	resp, err := m.next.Invoke(ctx, withSchemaPrompt(req))
	if err != nil {
		return nil, err
	}
	return m.decode(ctx, req, resp), nil
}

func (m *structuredModel) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	if len(req.Schema) == 0 {
		return StreamOrInvoke(ctx, m.next, req, onDelta)
	}
	resp, err := StreamOrInvoke(ctx, m.next, withSchemaPrompt(req), onDelta)
	if err != nil {
		return nil, err
	}
	return m.decode(ctx, req, resp), nil
}

func (m *structuredModel) decode(ctx context.Context, req Request, resp *Response) *Response {
	if resp.Structured != nil {
		if err := m.validator.ValidateOutput(resp.Structured, req.Schema); err == nil {
			return resp
		}
	}
	obj, err := DecodeObject(resp.Text())
	if err != nil {
		m.logger.WarnContext(ctx, "structured output not decodable, using raw text", "error", err)
		resp.Structured = nil
		return resp
	}
	if err := m.validator.ValidateOutput(obj, req.Schema); err != nil {
		m.logger.WarnContext(ctx, "structured output failed schema validation, using raw text", "error", err)
		resp.Structured = nil
		return resp
	}
	resp.Structured = obj
	return resp
}

func withSchemaPrompt(req Request) Request {
	var b strings.Builder
	b.WriteString(req.System)
	if req.System != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(structuredInstruction)
	b.Write(req.Schema)
	req.System = b.String()
	return req
}
