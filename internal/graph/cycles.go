package graph

import (
	"sort"
	"time"
)

// adjacency maps a node id to the ids it depends on (From -> []To).
type adjacency map[string][]string

// detectCycles runs a DFS over the dependency adjacency and records every
// back edge as a CycleInfo. Unlike a typical topological-sort cycle check,
// this never errors: it is designed to tolerate cycles that arise from
// imported data and surface them for human review instead (spec.md
// section 4.1, "Cycle handling").
func detectCycles(dep adjacency, order []string) []CycleInfo {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(order))
	var stack []string
	var cycles []CycleInfo
	now := time.Now()

	var dfs func(node string)
	dfs = func(node string) {
		color[node] = gray
		stack = append(stack, node)

		deps := append([]string(nil), dep[node]...)
		sort.Strings(deps)
		for _, d := range deps {
			switch color[d] {
			case white:
				dfs(d)
			case gray:
				// Found a back edge: node -> ... -> d -> node forms a cycle.
				cycles = append(cycles, CycleInfo{
					Nodes:      cyclePathFrom(stack, d),
					DetectedAt: now,
					Status:     CycleDetected,
				})
			case black:
				// Cross edge into a finished subtree: no cycle.
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, id := range order {
		if color[id] == white {
			dfs(id)
		}
	}
	return cycles
}

// cyclePathFrom extracts the cycle segment starting at `from` within the
// current DFS stack, repeating the closing node per spec.md's CycleInfo
// definition.
func cyclePathFrom(stack []string, from string) []string {
	idx := -1
	for i, n := range stack {
		if n == from {
			idx = i
			break
		}
	}
	if idx == -1 {
		return append(append([]string(nil), stack...), from)
	}
	segment := append([]string(nil), stack[idx:]...)
	segment = append(segment, from)
	return segment
}

// blockedByCycle computes the fixpoint closure: every node in a cycle is
// blocked, and blocking propagates to any node whose dependency set
// intersects the blocked set.
func blockedByCycle(cycles []CycleInfo, dep adjacency, order []string) map[string]bool {
	blocked := make(map[string]bool)
	for _, c := range cycles {
		for _, n := range c.Nodes {
			blocked[n] = true
		}
	}

	changed := true
	for changed {
		changed = false
		for _, id := range order {
			if blocked[id] {
				continue
			}
			for _, d := range dep[id] {
				if blocked[d] {
					blocked[id] = true
					changed = true
					break
				}
			}
		}
	}
	return blocked
}
