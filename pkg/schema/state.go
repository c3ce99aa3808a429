package schema

import "time"

// StageDone is the current_stage sentinel for a pipeline that has completed.
const StageDone = "__done__"

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a stage's conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// WorkflowState is the checkpointed snapshot of one thread.
type WorkflowState struct {
	ThreadID     string               `json:"thread_id"`
	CurrentStage string               `json:"current_stage"`
	Status       ThreadStatus         `json:"status"`
	PendingInput string               `json:"pending_input"`
	StageOutputs map[string]string    `json:"stage_outputs"`
	Histories    map[string][]Message `json:"histories"`
	Revision     int64                `json:"revision"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// NewWorkflowState returns the initial state for a thread entering its first stage.
func NewWorkflowState(threadID, firstStage, input string, now time.Time) *WorkflowState {
	return &WorkflowState{
		ThreadID:     threadID,
		CurrentStage: firstStage,
		Status:       ThreadStatusAwaitingStageRun,
		PendingInput: input,
		StageOutputs: make(map[string]string),
		Histories:    make(map[string][]Message),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy that shares no maps or slices with s.
func (s *WorkflowState) Clone() *WorkflowState {
	c := *s
	c.StageOutputs = make(map[string]string, len(s.StageOutputs))
	for k, v := range s.StageOutputs {
		c.StageOutputs[k] = v
	}
	c.Histories = make(map[string][]Message, len(s.Histories))
	for k, msgs := range s.Histories {
		c.Histories[k] = append([]Message(nil), msgs...)
	}
	return &c
}

// Done reports whether the pipeline has reached the terminal sentinel.
func (s *WorkflowState) Done() bool {
	return s.CurrentStage == StageDone
}

// Suspension is returned to the caller when a review gate fires.
type Suspension struct {
	Stage           string `json:"stage"`
	Instruction     string `json:"instruction"`
	ContentToReview string `json:"content_to_review"`
}

// Outcome is the result of Start or Resume: a suspension awaiting review,
// or the final output once the pipeline is done.
type Outcome struct {
	ThreadID   string       `json:"thread_id"`
	Status     ThreadStatus `json:"status"`
	Suspension *Suspension  `json:"suspension,omitempty"`
	Output     string       `json:"output,omitempty"`
	// Stage is the stage under review, or the last stage once done.
	Stage string `json:"stage"`
}

// Completed reports whether the outcome is the final completion payload.
func (o *Outcome) Completed() bool {
	return o.Status == ThreadStatusDone
}
