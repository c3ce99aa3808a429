package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusRunning:
		return "[RUN]"
	case StatusSuspended:
		return "[WAIT]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes. Revise
// loops are listed beside the review box they leave from.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		for _, nodeID := range level {
			node := findNode(model.Nodes, nodeID)
			if node == nil {
				continue
			}
			box := makeBox(node)
			for i, line := range box.lines {
				b.WriteString(line)
				if i == 1 {
					if back := backEdge(model.Edges, node.ID); back != nil {
						fmt.Fprintf(&b, " ─%s→ %s", back.Label, findLabel(model.Nodes, back.To))
					}
				}
				b.WriteByte('\n')
			}
		}
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, forwardLabel(model.Edges, level))
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) asciiBox {
	content := []string{firstLine(node.Label)}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
	}

	maxLen := 0
	for _, line := range content {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", maxLen-len(c))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// renderConnector draws a vertical connector between levels.
func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		fmt.Fprintf(b, "  │ %s\n", label)
	} else {
		b.WriteString("  │\n")
	}
	b.WriteString("  ▼\n")
}

func backEdge(edges []Edge, from string) *Edge {
	for i := range edges {
		if edges[i].Back && edges[i].From == from {
			return &edges[i]
		}
	}
	return nil
}

func forwardLabel(edges []Edge, level []string) string {
	for _, e := range edges {
		if e.Back {
			continue
		}
		for _, id := range level {
			if e.From == id {
				return e.Label
			}
		}
	}
	return ""
}

func findLabel(nodes []*Node, id string) string {
	if n := findNode(nodes, id); n != nil {
		return firstLine(n.Label)
	}
	return id
}
