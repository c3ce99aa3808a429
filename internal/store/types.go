package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stagegate/pkg/schema"
)

// Event is an immutable entry in a thread's audit log.
type Event struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Stage     string          `json:"stage,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ThreadSummary is the listing view of a checkpoint.
type ThreadSummary struct {
	ThreadID     string              `json:"thread_id"`
	CurrentStage string              `json:"current_stage"`
	Status       schema.ThreadStatus `json:"status"`
	Revision     int64               `json:"revision"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ThreadFilter narrows List results. Zero values mean no constraint.
type ThreadFilter struct {
	Status        schema.ThreadStatus `json:"status,omitempty"`
	Stage         string              `json:"stage,omitempty"`
	UpdatedBefore *time.Time          `json:"updated_before,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
}

// summarize builds the listing view of a state.
func summarize(s *schema.WorkflowState) *ThreadSummary {
	return &ThreadSummary{
		ThreadID:     s.ThreadID,
		CurrentStage: s.CurrentStage,
		Status:       s.Status,
		Revision:     s.Revision,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// matches reports whether a summary passes the filter.
func (f ThreadFilter) matches(t *ThreadSummary) bool {
	if f.Status != "" && f.Status != t.Status {
		return false
	}
	if f.Stage != "" && f.Stage != t.CurrentStage {
		return false
	}
	if f.UpdatedBefore != nil && !t.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}
