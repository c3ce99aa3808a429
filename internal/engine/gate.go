package engine

import (
	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/pkg/schema"
)

// ReviewGate packages a stage's rendered output for human review.
// It never resolves on its own; only Resume moves a thread past it.
type ReviewGate struct{}

// Present builds the suspension returned to the caller.
func (ReviewGate) Present(stage pipeline.Stage, rendered string) *schema.Suspension {
	return &schema.Suspension{
		Stage:           stage.Name,
		Instruction:     stage.Instruction,
		ContentToReview: rendered,
	}
}
