package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/controller/internal/ctlerr"
)

func node(id string, p Priority, effort float64) IssueNode {
	return IssueNode{ID: id, Title: id, Priority: p, Effort: effort, Status: StatusPending}
}

// S1 — linear chain: A,B,C all P1 effort=1, edges B->A, C->B.
func TestAnalyze_LinearChain(t *testing.T) {
	g := &Graph{
		Nodes: []IssueNode{node("A", PriorityP1, 1), node("B", PriorityP1, 1), node("C", PriorityP1, 1)},
		Edges: []DependencyEdge{{From: "B", To: "A"}, {From: "C", To: "B"}},
	}

	res, err := Analyze(g, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, res.ExecutionOrder)
	require.Len(t, res.ParallelGroups, 3)
	assert.Equal(t, []string{"A"}, res.ParallelGroups[0].IssueIDs)
	assert.Equal(t, []string{"B"}, res.ParallelGroups[1].IssueIDs)
	assert.Equal(t, []string{"C"}, res.ParallelGroups[2].IssueIDs)
	assert.Equal(t, []string{"A", "B", "C"}, res.CriticalPath.Path)
	assert.Equal(t, 3.0, res.CriticalPath.Duration)
	assert.True(t, res.Issues["A"].IsOnCriticalPath)
	assert.Empty(t, res.Cycles)
}

// S2 — parallel fanout: A(P0,2) B(P1,1) C(P2,1), no edges.
func TestAnalyze_ParallelFanout(t *testing.T) {
	g := &Graph{
		Nodes: []IssueNode{node("A", PriorityP0, 2), node("B", PriorityP1, 1), node("C", PriorityP2, 1)},
	}

	res, err := Analyze(g, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, res.ExecutionOrder)
	require.Len(t, res.ParallelGroups, 1)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, res.ParallelGroups[0].IssueIDs)
	assert.Greater(t, res.Issues["A"].PriorityScore, res.Issues["B"].PriorityScore)
	assert.Greater(t, res.Issues["B"].PriorityScore, res.Issues["C"].PriorityScore)
}

// S3 — cycle tolerance: A<->B, C->A, D isolated.
func TestAnalyze_CycleTolerance(t *testing.T) {
	g := &Graph{
		Nodes: []IssueNode{node("A", PriorityP1, 1), node("B", PriorityP1, 1), node("C", PriorityP1, 1), node("D", PriorityP1, 1)},
		Edges: []DependencyEdge{{From: "A", To: "B"}, {From: "B", To: "A"}, {From: "C", To: "A"}},
	}

	res, err := Analyze(g, Options{})
	require.NoError(t, err)

	assert.Len(t, res.Cycles, 1)
	assert.True(t, res.BlockedByCycle["A"])
	assert.True(t, res.BlockedByCycle["B"])
	assert.True(t, res.BlockedByCycle["C"])
	assert.False(t, res.BlockedByCycle["D"])
	assert.Equal(t, []string{"D"}, res.ExecutionOrder)
}

func TestAnalyze_EmptyGraph(t *testing.T) {
	_, err := Analyze(&Graph{}, Options{})
	require.Error(t, err)
	kind, ok := ctlerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.KindEmptyGraph, kind)
}

func TestAnalyze_ValidationAggregatesErrors(t *testing.T) {
	g := &Graph{
		Nodes: []IssueNode{
			{ID: "", Title: "x", Priority: PriorityP1, Status: StatusPending},
			{ID: "dup", Title: "y", Priority: "bogus", Status: StatusPending},
			{ID: "dup", Title: "z", Priority: PriorityP1, Status: StatusPending},
		},
		Edges: []DependencyEdge{{From: "dup", To: "dup"}, {From: "ghost", To: "dup"}},
	}
	_, err := Analyze(g, Options{})
	require.Error(t, err)
}

func TestAnalyze_IdempotentEnqueueNotApplicable_PrioritizedQueueOrdering(t *testing.T) {
	g := &Graph{
		Nodes: []IssueNode{node("low", PriorityP3, 1), node("high", PriorityP0, 1)},
	}
	res, err := Analyze(g, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, res.PrioritizedQueue)
}
