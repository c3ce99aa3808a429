package diagram

import (
	"fmt"

	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"

	labelApprove = "approve"
	labelRevise  = "revise"
)

// Build converts a pipeline into a DiagramModel. When state is non-nil the
// thread's position is overlaid on the nodes.
func Build(def *pipeline.Definition, state *schema.WorkflowState) (*DiagramModel, error) {
	if def == nil || len(def.Stages) == 0 {
		return nil, fmt.Errorf("diagram: pipeline has no stages")
	}

	m := &DiagramModel{Title: def.Name}
	if state != nil {
		m.Title = fmt.Sprintf("%s (%s)", def.Name, state.ThreadID)
	}
	add := func(n *Node) {
		m.Nodes = append(m.Nodes, n)
		m.Levels = append(m.Levels, []string{n.ID})
	}

	add(&Node{ID: startID, Label: "start", Kind: NodeKindStart})
	prev := startID
	for _, s := range def.Stages {
		run, review := stageID(s.Name), reviewID(s.Name)
		add(&Node{ID: run, Label: s.Name, Kind: NodeKindStage})
		add(&Node{ID: review, Label: "review " + s.Name, Kind: NodeKindReview})

		label := ""
		if prev != startID {
			label = labelApprove
		}
		m.Edges = append(m.Edges,
			Edge{From: prev, To: run, Label: label},
			Edge{From: run, To: review},
			Edge{From: review, To: run, Label: labelRevise, Back: true},
		)
		prev = review
	}
	add(&Node{ID: endID, Label: "done", Kind: NodeKindEnd})
	m.Edges = append(m.Edges, Edge{From: prev, To: endID, Label: labelApprove})

	if state != nil {
		overlay(m, def, state)
	}
	return m, nil
}

// overlay marks stages before the current one completed, the current one
// running or suspended at review, and the rest pending.
func overlay(m *DiagramModel, def *pipeline.Definition, state *schema.WorkflowState) {
	current := len(def.Stages)
	if !state.Done() {
		for i, s := range def.Stages {
			if s.Name == state.CurrentStage {
				current = i
				break
			}
		}
	}

	set := func(id, status string) {
		if n := findNode(m.Nodes, id); n != nil {
			n.Status = &StatusOverlay{Status: status, Revision: state.Revision}
		}
	}
	for i, s := range def.Stages {
		switch {
		case i < current:
			set(stageID(s.Name), StatusCompleted)
			set(reviewID(s.Name), StatusCompleted)
		case i > current:
			set(stageID(s.Name), StatusPending)
			set(reviewID(s.Name), StatusPending)
		case state.Status == schema.ThreadStatusAwaitingReview:
			set(stageID(s.Name), StatusCompleted)
			set(reviewID(s.Name), StatusSuspended)
		default:
			set(stageID(s.Name), StatusRunning)
			set(reviewID(s.Name), StatusPending)
		}
	}
	if state.Done() {
		set(endID, StatusCompleted)
	}
}

func stageID(name string) string  { return "stage_" + name }
func reviewID(name string) string { return "review_" + name }

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
