package streaming

import "context"

// StreamEvent is a live event published while a thread runs: audit
// transitions plus model tokens.
type StreamEvent struct {
	ThreadID  string `json:"thread_id"`
	Stage     string `json:"stage,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ThreadID   string   `json:"thread_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live thread events. Delivery is best effort.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Nop is an EventHub that drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, StreamEvent) error { return nil }

func (Nop) Subscribe(ctx context.Context, _ EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan StreamEvent)
	return ch, func() {}, nil
}
