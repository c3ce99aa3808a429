package engine

import (
	"context"

	"github.com/rendis/stagegate/pkg/schema"
)

// EventKind tags a streamed Event.
type EventKind string

const (
	EventKindToken     EventKind = "token"
	EventKindSuspended EventKind = "suspended"
	EventKindCompleted EventKind = "completed"
	EventKindFailed    EventKind = "failed"
)

// Event is one element of a streamed step: tokens in emission order, then
// exactly one terminal event.
type Event struct {
	Kind    EventKind
	Token   string
	Outcome *schema.Outcome
	Err     error
}

// Terminal reports whether e closes the stream.
func (e Event) Terminal() bool {
	return e.Kind != EventKindToken
}

const streamBuffer = 32

// StreamStart is Start with model tokens forwarded as they are produced.
// The caller must drain the channel or cancel ctx: the producer blocks on a
// full channel while holding the thread's lock.
func (e *Engine) StreamStart(ctx context.Context, threadID, input string) <-chan Event {
	return e.stream(ctx, func(ctx context.Context, onToken func(string)) (*schema.Outcome, error) {
		return e.start(ctx, threadID, input, onToken)
	})
}

// StreamResume is Resume with model tokens forwarded as they are produced.
// Cancelling ctx abandons the model call and commits nothing; the channel
// is closed once the step has unwound. As with StreamStart, a caller that
// stops reading must cancel ctx or the thread stays locked.
func (e *Engine) StreamResume(ctx context.Context, threadID, feedback string) <-chan Event {
	return e.stream(ctx, func(ctx context.Context, onToken func(string)) (*schema.Outcome, error) {
		return e.resume(ctx, threadID, feedback, onToken)
	})
}

func (e *Engine) stream(ctx context.Context, run func(context.Context, func(string)) (*schema.Outcome, error)) <-chan Event {
	ch := make(chan Event, streamBuffer)
	go func() {
		defer close(ch)

		out, err := run(ctx, func(tok string) {
			select {
			case ch <- Event{Kind: EventKindToken, Token: tok}:
			case <-ctx.Done():
			}
		})

		var final Event
		switch {
		case err != nil:
			final = Event{Kind: EventKindFailed, Err: err}
		case out.Completed():
			final = Event{Kind: EventKindCompleted, Outcome: out}
		default:
			final = Event{Kind: EventKindSuspended, Outcome: out}
		}

		// Prefer delivery over cancellation when there is room.
		select {
		case ch <- final:
			return
		default:
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch
}

// Collect drains a stream and returns its tokens and terminal event.
func Collect(events <-chan Event) ([]string, Event) {
	var (
		tokens []string
		final  Event
	)
	for ev := range events {
		if ev.Kind == EventKindToken {
			tokens = append(tokens, ev.Token)
			continue
		}
		final = ev
	}
	return tokens, final
}
