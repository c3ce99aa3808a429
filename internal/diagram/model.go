package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStage  NodeKind = "stage"
	NodeKindReview NodeKind = "review"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// Node statuses used by the overlay.
const (
	StatusCompleted = "completed"
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusPending   = "pending"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a stage run, a review gate or a terminal.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries a thread's position for a node.
type StatusOverlay struct {
	Status   string
	Revision int64
}

// Edge connects two nodes. Back edges are revise loops.
type Edge struct {
	From  string
	To    string
	Label string
	Back  bool
}
