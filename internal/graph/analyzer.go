package graph

import (
	"sort"
)

// Options configures Analyze's scoring weights. Zero value uses
// DefaultWeights().
type Options struct {
	Weights Weights
}

// Analyze validates g and computes the full AnalysisResult: depth,
// critical path, priority score, cycle-tolerant execution order, and
// parallel groups (spec.md section 4.1).
func Analyze(g *Graph, opts Options) (*AnalysisResult, error) {
	if opts.Weights.ByPriority == nil {
		opts.Weights = DefaultWeights()
	}

	if err := validate(g); err != nil {
		return nil, err
	}

	nodesByID := make(map[string]IssueNode, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodesByID[n.ID] = n
		order = append(order, n.ID)
	}
	sort.Strings(order)

	dep := make(adjacency, len(g.Nodes))   // From -> []To  (dependencies)
	dependents := make(adjacency, len(g.Nodes)) // To -> []From (dependents)
	for _, n := range g.Nodes {
		dep[n.ID] = nil
		dependents[n.ID] = nil
	}
	for _, e := range g.Edges {
		dep[e.From] = append(dep[e.From], e.To)
		dependents[e.To] = append(dependents[e.To], e.From)
	}

	cycles := detectCycles(dep, order)
	blocked := blockedByCycle(cycles, dep, order)

	depth := computeDepth(dep, order)
	cp := computeCriticalPath(nodesByID, dep, dependents, order)
	onCriticalPath := make(map[string]bool, len(cp.Path))
	for _, id := range cp.Path {
		onCriticalPath[id] = true
	}

	issues := make(map[string]*AnalyzedIssue, len(g.Nodes))
	for _, id := range order {
		n := nodesByID[id]
		score := priorityScore(n, opts.Weights, len(dependents[id]), onCriticalPath[id])
		issues[id] = &AnalyzedIssue{
			Node:                   n,
			Dependencies:           append([]string(nil), dep[id]...),
			Dependents:             append([]string(nil), dependents[id]...),
			TransitiveDependencies: transitiveClosure(dep, id),
			Depth:                  depth[id],
			PriorityScore:          score,
			IsOnCriticalPath:       onCriticalPath[id],
			DependenciesResolved:   dependenciesResolved(nodesByID, dep[id]),
			BlockedByCycle:         blocked[id],
		}
	}

	execOrder := executionOrder(issues, dep, dependents, order, blocked)
	groups := parallelGroups(issues, order, blocked)
	prioritized := prioritizedQueue(issues, order, blocked)

	readyCount, blockedCount := 0, 0
	for _, id := range order {
		if blocked[id] {
			blockedCount++
		} else if issues[id].DependenciesResolved {
			readyCount++
		}
	}

	result := &AnalysisResult{
		Issues:           issues,
		ExecutionOrder:   execOrder,
		ParallelGroups:   groups,
		CriticalPath:     cp,
		PrioritizedQueue: prioritized,
		Cycles:           cycles,
		BlockedByCycle:   blocked,
		Statistics: Statistics{
			TotalNodes:   len(g.Nodes),
			TotalEdges:   len(g.Edges),
			MaxDepth:     maxDepth(depth),
			CycleCount:   len(cycles),
			BlockedCount: blockedCount,
			ReadyCount:   readyCount,
		},
	}
	return result, nil
}

// dependenciesResolved reports whether every dependency of a node has
// status completed (spec.md section 3, AnalyzedIssue.dependenciesResolved).
func dependenciesResolved(nodesByID map[string]IssueNode, deps []string) bool {
	for _, d := range deps {
		if n, ok := nodesByID[d]; !ok || n.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// transitiveClosure returns every node reachable by following dependency
// edges from id (excluding id itself), deduplicated.
func transitiveClosure(dep adjacency, id string) []string {
	seen := make(map[string]bool)
	var stack []string
	stack = append(stack, dep[id]...)
	var result []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] || n == id {
			continue
		}
		seen[n] = true
		result = append(result, n)
		stack = append(stack, dep[n]...)
	}
	sort.Strings(result)
	return result
}

// computeDepth assigns depth(v) = 0 for roots (no dependencies) and
// depth(v) = max(depth(dep)+1) over v's dependencies otherwise, via
// memoized DFS. Nodes reachable only through a cycle settle at whatever
// depth the DFS recursion guard allows; they are excluded from
// ExecutionOrder/ParallelGroups regardless.
func computeDepth(dep adjacency, order []string) map[string]int {
	depth := make(map[string]int, len(order))
	visiting := make(map[string]bool, len(order))

	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if visiting[id] {
			// Cycle: treat as depth 0 to avoid infinite recursion; the
			// node is excluded from ordering via BlockedByCycle anyway.
			return 0
		}
		visiting[id] = true
		best := 0
		for _, d := range dep[id] {
			if c := visit(d) + 1; c > best {
				best = c
			}
		}
		visiting[id] = false
		depth[id] = best
		return best
	}

	for _, id := range order {
		visit(id)
	}
	return depth
}

func maxDepth(depth map[string]int) int {
	max := 0
	for _, d := range depth {
		if d > max {
			max = d
		}
	}
	return max
}

// computeCriticalPath finds the effort-weighted longest root-to-leaf path.
// longestPathToLeaf(v) is computed in reverse topological order (leaves
// first): it is effort(v) plus the best longestPathToLeaf among v's
// dependents, or just effort(v) for a leaf. Ties are broken by ascending
// node id for stability across runs.
func computeCriticalPath(nodesByID map[string]IssueNode, dep, dependents adjacency, order []string) CriticalPath {
	memo := make(map[string]float64, len(order))
	next := make(map[string]string, len(order))
	visiting := make(map[string]bool, len(order))

	var visit func(id string) float64
	visit = func(id string) float64 {
		if v, ok := memo[id]; ok {
			return v
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true

		deps := append([]string(nil), dependents[id]...)
		sort.Strings(deps)

		best := 0.0
		bestNext := ""
		for _, w := range deps {
			v := visit(w)
			if v > best || (v == best && bestNext != "" && w < bestNext) {
				best = v
				bestNext = w
			}
		}
		total := nodesByID[id].Effort + best
		visiting[id] = false
		memo[id] = total
		if bestNext != "" {
			next[id] = bestNext
		}
		return total
	}

	ids := append([]string(nil), order...)
	sort.Strings(ids)
	for _, id := range ids {
		visit(id)
	}

	var bestRoot string
	var bestTotal float64
	for _, id := range ids {
		if len(dep[id]) != 0 {
			continue // only roots start a critical path
		}
		if memo[id] > bestTotal || (memo[id] == bestTotal && (bestRoot == "" || id < bestRoot)) {
			bestTotal = memo[id]
			bestRoot = id
		}
	}

	if bestRoot == "" {
		return CriticalPath{}
	}

	var path []string
	for cur := bestRoot; cur != ""; {
		path = append(path, cur)
		cur = next[cur]
	}

	return CriticalPath{Path: path, Duration: bestTotal}
}

// priorityScore implements the spec.md section 4.1 composite score.
func priorityScore(n IssueNode, w Weights, dependentCount int, onCriticalPath bool) float64 {
	score := w.ByPriority[n.Priority]
	score += w.DependentMultiplier * float64(dependentCount)
	if onCriticalPath {
		score += w.CriticalPathBonus
	}
	if n.Effort <= w.QuickWinThreshold {
		score += w.QuickWinBonus
	}
	return score
}

// executionOrder runs a Kahn-style topological sort where the ready set is
// always consumed in descending score order (ties: descending effort,
// then ascending id). Nodes blocked by a cycle are never placed.
func executionOrder(issues map[string]*AnalyzedIssue, dep, dependents adjacency, order []string, blocked map[string]bool) []string {
	indegree := make(map[string]int, len(order))
	for _, id := range order {
		if blocked[id] {
			continue
		}
		count := 0
		for _, d := range dep[id] {
			if !blocked[d] {
				count++
			}
		}
		indegree[id] = count
	}

	ready := make([]string, 0)
	for _, id := range order {
		if blocked[id] {
			continue
		}
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		ia, ib := issues[a], issues[b]
		if ia.PriorityScore != ib.PriorityScore {
			return ia.PriorityScore > ib.PriorityScore
		}
		if ia.Node.Effort != ib.Node.Effort {
			return ia.Node.Effort > ib.Node.Effort
		}
		return a < b
	}

	var result []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		result = append(result, next)

		for _, d := range dependents[next] {
			if blocked[d] {
				continue
			}
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return result
}

// parallelGroups buckets non-blocked nodes by depth, each group ordered by
// descending score.
func parallelGroups(issues map[string]*AnalyzedIssue, order []string, blocked map[string]bool) []ParallelGroup {
	byDepth := make(map[int][]string)
	for _, id := range order {
		if blocked[id] {
			continue
		}
		d := issues[id].Depth
		byDepth[d] = append(byDepth[d], id)
	}

	var depths []int
	for d := range byDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)

	var groups []ParallelGroup
	for _, d := range depths {
		ids := byDepth[d]
		sort.Slice(ids, func(i, j int) bool {
			return issues[ids[i]].PriorityScore > issues[ids[j]].PriorityScore
		})
		var total float64
		for _, id := range ids {
			total += issues[id].Node.Effort
		}
		groups = append(groups, ParallelGroup{Depth: d, IssueIDs: ids, TotalEffort: total})
	}
	return groups
}

// prioritizedQueue lists non-blocked nodes by descending score, purely for
// reporting; it is not a substitute for the bounded queue's own ordering.
func prioritizedQueue(issues map[string]*AnalyzedIssue, order []string, blocked map[string]bool) []string {
	var ids []string
	for _, id := range order {
		if !blocked[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if issues[ids[i]].PriorityScore != issues[ids[j]].PriorityScore {
			return issues[ids[i]].PriorityScore > issues[ids[j]].PriorityScore
		}
		return ids[i] < ids[j]
	})
	return ids
}
