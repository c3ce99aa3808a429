package engine

import (
	"fmt"
	"strings"
)

const (
	goalsHeading     = "## Project Goals\n"
	questionsHeading = "\n## Follow-up Questions\n"
	noGoalsFallback  = "project goals are not properly defined. Answer the below follow-up questions\n"
	noQuestionsReply = "No follow-up questions.\n"
)

// renderStructured renders projected goals and questions as numbered
// markdown sections.
func renderStructured(goals, questions []string) string {
	var b strings.Builder
	b.WriteString(goalsHeading)
	if len(goals) == 0 {
		b.WriteString(noGoalsFallback)
	}
	for i, g := range goals {
		fmt.Fprintf(&b, "%d. %s\n", i+1, g)
	}

	b.WriteString(questionsHeading)
	if len(questions) == 0 {
		b.WriteString(noQuestionsReply)
	}
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return b.String()
}
