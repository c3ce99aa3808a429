package store

import (
	"context"
	"sync"

	"github.com/rendis/stagegate/pkg/schema"
)

type convKey struct {
	thread, stage string
}

// MemoryConversations is an in-memory ConversationStore.
//
// The engine uses one per step as a staging area: it is loaded from the
// checkpointed histories, handed to the StageRunner, and its Snapshot is
// written back with the checkpoint only when the step succeeds.
type MemoryConversations struct {
	mu        sync.RWMutex
	histories map[convKey][]schema.Message
}

// NewMemoryConversations creates an empty MemoryConversations.
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		histories: make(map[convKey][]schema.Message),
	}
}

// Append adds messages to the end of a stage history.
func (c *MemoryConversations) Append(ctx context.Context, threadID, stage string, msgs ...schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := convKey{threadID, stage}
	c.histories[key] = append(c.histories[key], msgs...)
	return nil
}

// History returns a copy of the ordered history for (thread, stage).
func (c *MemoryConversations) History(ctx context.Context, threadID, stage string) ([]schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]schema.Message(nil), c.histories[convKey{threadID, stage}]...), nil
}

// Reset replaces a stage history with the given seed messages (possibly none).
func (c *MemoryConversations) Reset(ctx context.Context, threadID, stage string, seed ...schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histories[convKey{threadID, stage}] = append([]schema.Message(nil), seed...)
	return nil
}

// Load replaces every history of a thread with copies of the given ones.
func (c *MemoryConversations) Load(threadID string, histories map[string][]schema.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.histories {
		if key.thread == threadID {
			delete(c.histories, key)
		}
	}
	for stage, msgs := range histories {
		c.histories[convKey{threadID, stage}] = append([]schema.Message(nil), msgs...)
	}
}

// Snapshot returns copies of every stage history recorded for a thread.
func (c *MemoryConversations) Snapshot(threadID string) map[string][]schema.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]schema.Message)
	for key, msgs := range c.histories {
		if key.thread == threadID {
			out[key.stage] = append([]schema.Message(nil), msgs...)
		}
	}
	return out
}

var _ ConversationStore = (*MemoryConversations)(nil)
