package engine

import "strings"

// approvalToken is the only feedback that advances a stage.
const approvalToken = "approve"

// Decision is the Router's verdict on review feedback.
type Decision int

const (
	// Retry feeds the feedback back into the same stage.
	Retry Decision = iota
	// Advance accepts the stage output.
	Advance
)

func (d Decision) String() string {
	if d == Advance {
		return "advance"
	}
	return "retry"
}

// Router maps review feedback to a Decision. It is pure.
type Router struct{}

// Decide advances on a case-insensitive, whitespace-trimmed "approve".
// Anything else, including "", is revision feedback. The verdict is the same
// for every stage.
func (Router) Decide(feedback, stage string) Decision {
	if strings.EqualFold(strings.TrimSpace(feedback), approvalToken) {
		return Advance
	}
	return Retry
}
