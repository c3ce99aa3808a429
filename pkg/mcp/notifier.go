package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stagegate/internal/streaming"
	"github.com/rendis/stagegate/pkg/schema"
)

// notifiedEvents are forwarded to the session that owns the thread.
var notifiedEvents = []string{
	schema.EventReviewRequested,
	schema.EventThreadCompleted,
	schema.EventThreadEvicted,
}

// sender is the subset of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier pushes thread events to MCP clients.
type Notifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier that pushes via MCP notifications.
func NewNotifier(s sender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: s, sessions: sessions, logger: logger}
}

// Run subscribes to hub and forwards review and completion events until ctx
// is cancelled. It returns once the subscription is in place.
func (n *Notifier) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, unsub, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifiedEvents})
	if err != nil {
		return err
	}
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := n.Notify(ev); err != nil {
					n.logger.Warn("thread notification failed", "thread_id", ev.ThreadID, "error", err)
				}
			}
		}
	}()
	return nil
}

// Notify sends one event to the thread's session.
// Best-effort: returns nil if no session owns the thread.
func (n *Notifier) Notify(ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.ThreadID)
	if !ok {
		return nil
	}
	if ev.EventType == schema.EventThreadEvicted {
		n.sessions.Forget(ev.ThreadID)
	}

	payload := map[string]any{
		"level":  "info",
		"logger": "stagegate",
		"data": map[string]any{
			"thread_id":  ev.ThreadID,
			"stage":      ev.Stage,
			"event_type": ev.EventType,
			"payload":    ev.Payload,
		},
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
