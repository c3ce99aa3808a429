package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stagegate/pkg/schema"
)

// MemoryStore is a process-local Store. States are kept serialized so callers
// never share maps or slices with the stored copy.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
	summaries   map[string]*ThreadSummary
	events      map[string][]*Event
	nextEventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]byte),
		summaries:   make(map[string]*ThreadSummary),
		events:      make(map[string][]*Event),
	}
}

// Migrate is a no-op for the memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// --- Checkpoints ---

func (s *MemoryStore) Save(ctx context.Context, state *schema.WorkflowState) error {
	if err := validateForSave(state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if cur, ok := s.summaries[state.ThreadID]; ok {
		stored = cur.Revision
	}
	if err := checkRevision(state.ThreadID, stored, state.Revision); err != nil {
		return err
	}
	s.checkpoints[state.ThreadID] = data
	s.summaries[state.ThreadID] = summarize(state)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, threadID string) (*schema.WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.checkpoints[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("checkpoint", threadID)
	}
	return decodeState(data)
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[threadID]; !ok {
		return storeNotFound("checkpoint", threadID)
	}
	delete(s.checkpoints, threadID)
	delete(s.summaries, threadID)
	delete(s.events, threadID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*ThreadSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		if filter.matches(sum) {
			cp := *sum
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	event.ID = s.nextEventID
	event.Sequence = int64(len(s.events[event.ThreadID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	s.events[event.ThreadID] = append(s.events[event.ThreadID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[threadID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Shared helpers ---

func validateForSave(state *schema.WorkflowState) error {
	if state == nil {
		return schema.NewError(schema.ErrCodeValidation, "state is nil")
	}
	if state.ThreadID == "" {
		return schema.NewError(schema.ErrCodeValidation, "state has empty thread_id")
	}
	if state.Revision < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "state revision must be >= 1, got %d", state.Revision)
	}
	return nil
}

// checkRevision enforces stored+1 == next. stored is 0 when no checkpoint exists.
func checkRevision(threadID string, stored, next int64) error {
	if next == stored+1 {
		return nil
	}
	if stored == 0 {
		return storeNotFound("checkpoint", threadID)
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"checkpoint %q revision conflict: stored %d, saving %d", threadID, stored, next).
		WithDetails(map[string]any{"thread_id": threadID, "stored": stored, "saving": next})
}

func jsonState(state *schema.WorkflowState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(data), nil
}

func decodeState(data []byte) (*schema.WorkflowState, error) {
	state := &schema.WorkflowState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if state.StageOutputs == nil {
		state.StageOutputs = make(map[string]string)
	}
	if state.Histories == nil {
		state.Histories = make(map[string][]schema.Message)
	}
	return state, nil
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ Store = (*MemoryStore)(nil)
