package store

import (
	"context"

	"github.com/rendis/stagegate/pkg/schema"
)

// CheckpointStore persists WorkflowState snapshots keyed by thread ID.
// All implementations must be safe for concurrent use.
//
// Save enforces optimistic concurrency: a state with Revision 1 creates the
// checkpoint, any later revision must be exactly one above the stored one.
type CheckpointStore interface {
	Save(ctx context.Context, state *schema.WorkflowState) error
	Load(ctx context.Context, threadID string) (*schema.WorkflowState, error)
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error)
}

// EventLog is the append-only audit trail of thread transitions.
type EventLog interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error)
}

// ConversationStore holds ordered message histories per (thread, stage).
// Reads return copies. Safe for concurrent use across distinct keys.
type ConversationStore interface {
	Append(ctx context.Context, threadID, stage string, msgs ...schema.Message) error
	History(ctx context.Context, threadID, stage string) ([]schema.Message, error)
	Reset(ctx context.Context, threadID, stage string, seed ...schema.Message) error
}

// Store is a full persistence backend: checkpoints plus the event log.
type Store interface {
	CheckpointStore
	EventLog

	Migrate(ctx context.Context) error
	Close() error
}
