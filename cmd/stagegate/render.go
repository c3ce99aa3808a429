package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

var (
	stageStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	instructionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	doneStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	dimStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	reviewBox        = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1)
)

// renderOutcome prints a suspension with its review box, or the final output.
// When streamed is true the content was already printed token by token.
func renderOutcome(w io.Writer, out *schema.Outcome, streamed bool) {
	if out.Completed() {
		fmt.Fprintln(w, doneStyle.Render("✓ workflow complete")+" "+dimStyle.Render("thread "+out.ThreadID))
		if !streamed {
			fmt.Fprintln(w, reviewBox.Render(strings.TrimRight(out.Output, "\n")))
		}
		return
	}
	if out.Suspension == nil {
		return
	}
	header := stageStyle.Render("◆ "+out.Suspension.Stage) + " " + dimStyle.Render("thread "+out.ThreadID)
	fmt.Fprintln(w, header)
	if !streamed {
		fmt.Fprintln(w, reviewBox.Render(strings.TrimRight(out.Suspension.ContentToReview, "\n")))
	}
	fmt.Fprintln(w, instructionStyle.Render(out.Suspension.Instruction))
}

func renderError(w io.Writer, err error) {
	fmt.Fprintln(w, errorStyle.Render("✗ "+err.Error()))
}

func renderSummaries(w io.Writer, threads []*store.ThreadSummary) {
	if len(threads) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no threads"))
		return
	}
	for _, t := range threads {
		status := string(t.Status)
		switch t.Status {
		case schema.ThreadStatusDone:
			status = doneStyle.Render(status)
		case schema.ThreadStatusAwaitingReview:
			status = instructionStyle.Render(status)
		}
		fmt.Fprintf(w, "%-36s  %-12s  %-28s  rev %-3d  %s\n",
			t.ThreadID, t.CurrentStage, status, t.Revision,
			dimStyle.Render(t.UpdatedAt.Local().Format(time.DateTime)))
	}
}
