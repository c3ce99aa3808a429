package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/internal/streaming"
)

// publishingAppender appends to the audit log, then mirrors the event to
// live subscribers.
type publishingAppender struct {
	log store.EventLog
	hub streaming.EventHub
}

func (a *publishingAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := a.log.AppendEvent(ctx, event); err != nil {
		return err
	}
	var payload any
	if len(event.Payload) > 0 {
		payload = json.RawMessage(event.Payload)
	}
	_ = a.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ThreadID:  event.ThreadID,
		Stage:     event.Stage,
		EventType: event.Type,
		Payload:   payload,
	})
	return nil
}

type discardEvents struct{}

func (discardEvents) AppendEvent(context.Context, *store.Event) error { return nil }

func (discardEvents) GetEvents(context.Context, string, int64) ([]*store.Event, error) {
	return nil, nil
}

func marshalPayload(payload map[string]any) (json.RawMessage, error) {
	return json.Marshal(payload)
}
