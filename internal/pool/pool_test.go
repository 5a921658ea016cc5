package pool

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/controller/internal/queue"
)

type fakeQueue struct {
	removed  []string
	enqueued []string
}

func (f *fakeQueue) Remove(issueID string) bool {
	f.removed = append(f.removed, issueID)
	return true
}

func (f *fakeQueue) Enqueue(issueID string, priorityScore float64) queue.EnqueueResult {
	f.enqueued = append(f.enqueued, issueID)
	return queue.EnqueueResult{Success: true}
}

func TestPool_InitNamesWorkersSequentially(t *testing.T) {
	p := New(Config{MaxWorkers: 3, WorkOrdersPath: t.TempDir()}, nil, nil)
	ws := p.Workers()
	require.Len(t, ws, 3)
	assert.Equal(t, "worker-1", ws[0].ID)
	assert.Equal(t, "worker-2", ws[1].ID)
	assert.Equal(t, "worker-3", ws[2].ID)
	for _, w := range ws {
		assert.Equal(t, WorkerIdle, w.Status)
	}
}

func TestPool_AssignCompleteLifecycle(t *testing.T) {
	p := New(Config{MaxWorkers: 1, WorkOrdersPath: t.TempDir()}, nil, nil)

	order, err := p.CreateWorkOrder("issue-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "WO-001", order.ID)

	slot := p.GetAvailableSlot()
	require.Equal(t, "worker-1", slot)

	require.NoError(t, p.AssignWork(slot, order))

	w, ok := p.Worker(slot)
	require.True(t, ok)
	assert.Equal(t, WorkerWorking, w.Status)
	assert.Equal(t, "issue-1", w.CurrentIssue)
	assert.Equal(t, "", p.GetAvailableSlot())

	require.NoError(t, p.CompleteWork(slot, WorkResult{OrderID: order.ID, Success: true}))
	w, _ = p.Worker(slot)
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Equal(t, 1, w.CompletedTasks)
	assert.Equal(t, []string{order.ID}, w.CompletedOrders)

	// Idempotent: completing the same order again is a no-op.
	require.NoError(t, p.CompleteWork(slot, WorkResult{OrderID: order.ID, Success: true}))
	w, _ = p.Worker(slot)
	assert.Equal(t, 1, w.CompletedTasks)
}

func TestPool_AssignWorkRemovesFromQueue(t *testing.T) {
	fq := &fakeQueue{}
	p := New(Config{MaxWorkers: 1, WorkOrdersPath: t.TempDir()}, nil, fq)
	order, err := p.CreateWorkOrder("issue-9", nil)
	require.NoError(t, err)

	require.NoError(t, p.AssignWork("worker-1", order))
	assert.Equal(t, []string{"issue-9"}, fq.removed)
}

func TestPool_AssignWorkErrors(t *testing.T) {
	p := New(Config{MaxWorkers: 1, WorkOrdersPath: t.TempDir()}, nil, nil)
	order, _ := p.CreateWorkOrder("issue-1", nil)

	err := p.AssignWork("worker-99", order)
	require.Error(t, err)

	require.NoError(t, p.AssignWork("worker-1", order))
	err = p.AssignWork("worker-1", order)
	require.Error(t, err)
}

func TestPool_FailWork(t *testing.T) {
	p := New(Config{MaxWorkers: 1, WorkOrdersPath: t.TempDir()}, nil, nil)
	order, _ := p.CreateWorkOrder("issue-1", nil)
	require.NoError(t, p.AssignWork("worker-1", order))

	require.NoError(t, p.FailWork("worker-1", order.ID, errors.New("boom")))
	w, _ := p.Worker("worker-1")
	assert.Equal(t, WorkerError, w.Status)
	assert.Equal(t, "boom", w.LastError)
	assert.Equal(t, []string{order.ID}, w.FailedOrders)
}

func TestPool_ReassignTaskRequeuesWhenNoWorkerAvailable(t *testing.T) {
	fq := &fakeQueue{}
	p := New(Config{MaxWorkers: 1, WorkOrdersPath: t.TempDir()}, nil, fq)
	order, _ := p.CreateWorkOrder("issue-1", nil)
	require.NoError(t, p.AssignWork("worker-1", order)) // only worker now busy

	require.NoError(t, p.ReassignTask("issue-1", 42))
	assert.Equal(t, []string{"issue-1"}, fq.enqueued)
}

func TestPool_ReassignTaskAssignsWhenWorkerAvailable(t *testing.T) {
	p := New(Config{MaxWorkers: 2, WorkOrdersPath: t.TempDir()}, nil, nil)
	order, _ := p.CreateWorkOrder("issue-1", nil)
	require.NoError(t, p.AssignWork("worker-1", order))

	require.NoError(t, p.ReassignTask("issue-1", 42))
	w, _ := p.Worker("worker-2")
	assert.Equal(t, WorkerWorking, w.Status)
	assert.Equal(t, "issue-1", w.CurrentIssue)
}

func TestPool_SaveLoadStateRoundtrip(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{MaxWorkers: 2, WorkOrdersPath: dir}, nil, nil)
	order, _ := p.CreateWorkOrder("issue-1", nil)
	require.NoError(t, p.AssignWork("worker-1", order))
	require.NoError(t, p.CompleteWork("worker-1", WorkResult{OrderID: order.ID, Success: true}))

	require.NoError(t, p.SaveState("proj-1", []QueuedIssue{{IssueID: "issue-2", PriorityScore: 10}}))

	restored := New(Config{MaxWorkers: 2, WorkOrdersPath: dir}, nil, nil)
	snap, err := restored.LoadState("proj-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []string{order.ID}, snap.CompletedOrders)
	assert.Equal(t, "issue-2", snap.QueuedIssues[0].IssueID)

	w, _ := restored.Worker("worker-1")
	assert.Equal(t, WorkerIdle, w.Status)
	assert.Equal(t, 1, w.CompletedTasks)
}

func TestPool_LoadStateRejectsMismatchedProject(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{MaxWorkers: 1, WorkOrdersPath: dir}, nil, nil)
	require.NoError(t, p.SaveState("proj-a", nil))

	snap, err := p.LoadState("proj-b")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPool_WorkOrderPersistedToDisk(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{MaxWorkers: 1, WorkOrdersPath: dir}, nil, nil)
	order, err := p.CreateWorkOrder("issue-1", nil)
	require.NoError(t, err)

	_, statErr := os.Stat(dir + "/work_orders/" + order.ID + ".json")
	assert.NoError(t, statErr)
}
