package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rendis/stagegate/internal/metrics"
	"github.com/rendis/stagegate/pkg/schema"
)

const providerEcho = "echo"

// EchoModel is an offline provider that answers with the last user message.
// For requests with a schema it builds a conforming object: the first array
// property (required order, then schema order) receives the non-empty lines
// of the message, other arrays stay empty and string properties receive the
// whole message. Streams emit one delta per word.
type EchoModel struct {
	// Delay is slept between streamed words.
	Delay time.Duration
}

// NewEchoModel creates an EchoModel.
func NewEchoModel(delay time.Duration) *EchoModel {
	return &EchoModel{Delay: delay}
}

func (m *EchoModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := m.reply(ctx, req)
	metrics.RecordModelRequest(providerEcho, req.Stage, time.Since(start), err)
	return resp, err
}

func (m *EchoModel) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	start := time.Now()
	resp, err := m.reply(ctx, req)
	if err == nil {
		err = m.emit(ctx, resp.Text(), onDelta)
	}
	metrics.RecordModelRequest(providerEcho, req.Stage, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *EchoModel) reply(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := lastUserContent(req.Messages)
	if len(req.Schema) == 0 {
		return AssistantResponse(text), nil
	}
	obj := echoObject(req.Schema, text)
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, err
	}
	resp := AssistantResponse(string(data))
	resp.Structured = obj
	return resp, nil
}

func (m *EchoModel) emit(ctx context.Context, text string, onDelta func(string)) error {
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if m.Delay > 0 {
			t := time.NewTimer(m.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		onDelta(w)
	}
	return nil
}

func lastUserContent(msgs []schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schema.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func echoObject(raw json.RawMessage, text string) map[string]any {
	var doc struct {
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type any `json:"type"`
		} `json:"properties"`
	}
	obj := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return obj
	}

	names := make([]string, 0, len(doc.Properties))
	for n := range doc.Properties {
		names = append(names, n)
	}
	// Required order first, then schema order, never map order.
	rank := func(n string) int {
		for i, r := range doc.Required {
			if r == n {
				return i - len(doc.Required)
			}
		}
		return bytes.Index(raw, []byte(`"`+n+`"`))
	}
	sort.Slice(names, func(i, j int) bool { return rank(names[i]) < rank(names[j]) })

	filled := false
	for _, n := range names {
		switch doc.Properties[n].Type {
		case "array":
			items := []any{}
			if !filled {
				for _, line := range strings.Split(text, "\n") {
					if line = strings.TrimSpace(line); line != "" {
						items = append(items, line)
					}
				}
				filled = true
			}
			obj[n] = items
		case "string":
			obj[n] = text
		}
	}
	return obj
}
