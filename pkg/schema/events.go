package schema

// Event type constants for the per-thread audit log.
const (
	EventThreadStarted   = "thread_started"
	EventStageStarted    = "stage_started"
	EventStageFailed     = "stage_failed"
	EventReviewRequested = "review_requested"
	EventReviewApproved  = "review_approved"
	EventReviewRevised   = "review_revised"
	EventThreadCompleted = "thread_completed"
	EventThreadEvicted   = "thread_evicted"

	// Live-only events; published to subscribers but never persisted.
	EventToken = "token"
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusAwaitingStageRun ThreadStatus = "awaiting_stage_run"
	ThreadStatusAwaitingReview   ThreadStatus = "awaiting_review"
	ThreadStatusDone             ThreadStatus = "done"
)

// IsTerminal reports whether no further stage runs can happen.
func (s ThreadStatus) IsTerminal() bool {
	return s == ThreadStatusDone
}
