package graph

import (
	"fmt"

	"github.com/taskctl/controller/internal/ctlerr"
)

// validate checks structural invariants and aggregates every violation
// into a single GraphValidation error, per spec.md section 4.1.
func validate(g *Graph) error {
	if len(g.Nodes) == 0 {
		return ctlerr.New(ctlerr.KindEmptyGraph, ctlerr.SeverityMedium, ctlerr.CategoryFatal, "graph has no nodes")
	}

	var problems []string
	seen := make(map[string]bool, len(g.Nodes))

	for i, n := range g.Nodes {
		if n.ID == "" {
			problems = append(problems, fmt.Sprintf("node[%d]: empty id", i))
			continue
		}
		if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("node %q: duplicate id", n.ID))
		}
		seen[n.ID] = true

		if n.Title == "" {
			problems = append(problems, fmt.Sprintf("node %q: empty title", n.ID))
		}
		if !n.Priority.valid() {
			problems = append(problems, fmt.Sprintf("node %q: invalid priority %q", n.ID, n.Priority))
		}
		if !n.Status.valid() {
			problems = append(problems, fmt.Sprintf("node %q: invalid status %q", n.ID, n.Status))
		}
		if n.Effort < 0 {
			problems = append(problems, fmt.Sprintf("node %q: negative effort %v", n.ID, n.Effort))
		}
	}

	for i, e := range g.Edges {
		if e.From == e.To {
			problems = append(problems, fmt.Sprintf("edge[%d]: self-loop on %q", i, e.From))
			continue
		}
		if !seen[e.From] {
			problems = append(problems, fmt.Sprintf("edge[%d]: unknown from %q", i, e.From))
		}
		if !seen[e.To] {
			problems = append(problems, fmt.Sprintf("edge[%d]: unknown to %q", i, e.To))
		}
	}

	if len(problems) > 0 {
		err := ctlerr.New(ctlerr.KindGraphValidation, ctlerr.SeverityHigh, ctlerr.CategoryFatal,
			fmt.Sprintf("%d validation error(s)", len(problems)))
		err.WithContext("errors", problems)
		return err
	}
	return nil
}
