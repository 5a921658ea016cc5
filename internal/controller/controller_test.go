package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/controller/internal/graph"
	"github.com/taskctl/controller/internal/health"
	"github.com/taskctl/controller/internal/lock"
	"github.com/taskctl/controller/internal/metrics"
	"github.com/taskctl/controller/internal/pool"
	"github.com/taskctl/controller/internal/progress"
	"github.com/taskctl/controller/internal/queue"
	"github.com/taskctl/controller/internal/stuck"
)

type fakeExecutor struct {
	fail map[string]bool
}

func (f *fakeExecutor) Execute(ctx context.Context, workerID string, order pool.WorkOrder) pool.WorkResult {
	if f.fail[order.IssueID] {
		return pool.WorkResult{OrderID: order.ID, Success: false, Error: "simulated"}
	}
	return pool.WorkResult{OrderID: order.ID, Success: true}
}

func testConfig(t *testing.T) Config {
	return Config{
		Pool:     pool.Config{MaxWorkers: 2, WorkOrdersPath: t.TempDir()},
		Queue:    queue.DefaultConfig(),
		Lock:     lock.DefaultConfig(),
		Health:   health.Config{HeartbeatInterval: 5 * time.Millisecond, HealthCheckInterval: 5 * time.Millisecond, MissedHeartbeatThreshold: 3, MaxRestarts: 3, RestartCooldown: time.Second},
		Stuck:    stuck.DefaultConfig(),
		Progress: progress.Config{PollingInterval: 5 * time.Millisecond, MaxRecentActivities: 10, ReportPath: t.TempDir() + "/report"},
		Metrics:  metrics.DefaultConfig(),
		Analyzer: graph.Options{Weights: graph.DefaultWeights()},
	}
}

func simpleGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.IssueNode{
			{ID: "a", Title: "A", Priority: graph.PriorityP1, Effort: 1, Status: graph.StatusPending},
			{ID: "b", Title: "B", Priority: graph.PriorityP1, Effort: 1, Status: graph.StatusPending},
		},
		Edges: []graph.DependencyEdge{{From: "b", To: "a"}},
	}
}

func TestController_SeedEnqueuesOnlyReadyIssues(t *testing.T) {
	c, err := New(testConfig(t), simpleGraph(), nil, nil)
	require.NoError(t, err)
	c.Seed()

	assert.Equal(t, 1, c.queue.Len())
	id, ok := c.queue.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", id)
}

func TestController_DispatchesAndCompletesThroughExecutor(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]bool{}}
	c, err := New(testConfig(t), simpleGraph(), exec, nil)
	require.NoError(t, err)
	c.Seed()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.completedCount() == 2
	}, 500*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_FailedIssueDoesNotUnblockDependent(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.IssueNode{
			{ID: "a", Title: "A", Priority: graph.PriorityP1, Effort: 1, Status: graph.StatusPending},
			{ID: "b", Title: "B", Priority: graph.PriorityP1, Effort: 1, Status: graph.StatusPending},
			{ID: "c", Title: "C", Priority: graph.PriorityP1, Effort: 1, Status: graph.StatusPending},
		},
		Edges: []graph.DependencyEdge{{From: "b", To: "a"}, {From: "c", To: "b"}},
	}
	exec := &fakeExecutor{fail: map[string]bool{"b": true}}
	c, err := New(testConfig(t), g, exec, nil)
	require.NoError(t, err)
	c.Seed()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.failed["b"]
	}, 200*time.Millisecond, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	_, cCompleted := c.completed["c"]
	c.mu.Unlock()
	assert.False(t, cCompleted, "c depends on the failed issue b and must never complete")

	require.NoError(t, c.Shutdown(context.Background()))
}

func (c *Controller) completedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}
