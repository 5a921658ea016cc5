package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskctl/controller/internal/ctlerr"
	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/queue"
)

// Queue is the subset of *queue.Queue the pool needs: removing an issue
// once it is assigned, and re-admitting it if reassignment finds no
// available worker.
type Queue interface {
	Remove(issueID string) bool
	Enqueue(issueID string, priorityScore float64) queue.EnqueueResult
}

// Pool is the single writer of worker and work-order state.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	bus *events.Bus
	q   Queue

	workers      map[string]*Worker
	orders       map[string]*WorkOrder // orderID -> order, for reassignTask lookup by issueID
	nextSeq      int
	completedSet map[string]bool
	failedSet    map[string]bool
}

// New creates a pool of maxWorkers idle workers named worker-1..worker-N.
func New(cfg Config, bus *events.Bus, q Queue) *Pool {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.New(nil)
	}
	p := &Pool{
		cfg:          cfg,
		bus:          bus,
		q:            q,
		workers:      make(map[string]*Worker, cfg.MaxWorkers),
		orders:       make(map[string]*WorkOrder),
		completedSet: make(map[string]bool),
		failedSet:    make(map[string]bool),
	}
	for i := 1; i <= cfg.MaxWorkers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.workers[id] = &Worker{ID: id, Status: WorkerIdle}
	}
	return p
}

// GetAvailableSlot returns the lowest-numbered idle worker, or "" if none.
func (p *Pool) GetAvailableSlot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lowestIdleLocked()
}

func (p *Pool) lowestIdleLocked() string {
	ids := p.sortedWorkerIDsLocked()
	for _, id := range ids {
		if p.workers[id].Status == WorkerIdle {
			return id
		}
	}
	return ""
}

// sortedWorkerIDsLocked returns worker ids in worker-1..worker-N order.
// Sorting by the numeric suffix (rather than lexicographically) matters
// once the pool grows past 9 workers: "worker-10" must follow "worker-9",
// not "worker-1".
func (p *Pool) sortedWorkerIDsLocked() []string {
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return workerSeq(ids[i]) < workerSeq(ids[j])
	})
	return ids
}

func workerSeq(id string) int {
	var n int
	fmt.Sscanf(id, "worker-%d", &n)
	return n
}

// CreateWorkOrder allocates a monotonically numbered order (WO-001,
// WO-002, ...) for issue, persists it, and returns it. On persistence
// failure the order is rolled back and WorkOrderCreation is raised.
func (p *Pool) CreateWorkOrder(issueID string, context map[string]any) (*WorkOrder, error) {
	p.mu.Lock()
	p.nextSeq++
	seq := p.nextSeq
	id := fmt.Sprintf("WO-%03d", seq)
	order := &WorkOrder{ID: id, IssueID: issueID, Context: context, CreatedAt: time.Now()}
	p.orders[id] = order
	p.mu.Unlock()

	if err := persistWorkOrder(p.cfg.WorkOrdersPath, order); err != nil {
		p.mu.Lock()
		delete(p.orders, id)
		p.nextSeq--
		p.mu.Unlock()
		return nil, ctlerr.Wrap(ctlerr.KindWorkOrderCreation, ctlerr.SeverityHigh, ctlerr.CategoryRecoverable,
			fmt.Sprintf("persisting work order %s", id), err)
	}
	return order, nil
}

// AssignWork transitions workerID to working and records order, removing
// the issue from the queue if it is still present there.
func (p *Pool) AssignWork(workerID string, order *WorkOrder) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return ctlerr.New(ctlerr.KindWorkerNotFound, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"unknown worker: "+workerID)
	}
	if w.Status != WorkerIdle {
		return ctlerr.New(ctlerr.KindWorkerNotAvailable, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"worker not idle: "+workerID)
	}

	now := time.Now()
	w.Status = WorkerWorking
	w.CurrentIssue = order.IssueID
	w.CurrentOrderID = order.ID
	w.StartedAt = &now

	if p.q != nil {
		p.q.Remove(order.IssueID)
	}

	p.bus.Emit("task_started", events.Payload{"workerId": workerID, "orderId": order.ID, "issueId": order.IssueID})
	return nil
}

// CompleteWork transitions workerID to idle, records completion, and is
// idempotent: a second call for the same orderID is a no-op.
func (p *Pool) CompleteWork(workerID string, result WorkResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return ctlerr.New(ctlerr.KindWorkerNotFound, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"unknown worker: "+workerID)
	}
	if p.completedSet[result.OrderID] || p.failedSet[result.OrderID] {
		return nil
	}

	w.Status = WorkerIdle
	w.CurrentIssue = ""
	w.CurrentOrderID = ""
	w.StartedAt = nil
	w.CompletedTasks++

	if result.Success {
		p.completedSet[result.OrderID] = true
		w.CompletedOrders = append(w.CompletedOrders, result.OrderID)
	} else {
		p.failedSet[result.OrderID] = true
		w.LastError = result.Error
		w.FailedOrders = append(w.FailedOrders, result.OrderID)
	}

	p.bus.Emit("task_completed", events.Payload{"workerId": workerID, "orderId": result.OrderID, "success": result.Success})
	return nil
}

// FailWork transitions workerID to error, sets lastError from cause, adds
// orderID to the failed orders and emits task_failed. Unlike CompleteWork
// it leaves the worker's current task in place, does not increment
// completedTasks, and does not skip an orderID that is already terminal.
func (p *Pool) FailWork(workerID, orderID string, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return ctlerr.New(ctlerr.KindWorkerNotFound, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"unknown worker: "+workerID)
	}

	w.Status = WorkerError
	if cause != nil {
		w.LastError = cause.Error()
	}
	w.FailedOrders = append(w.FailedOrders, orderID)
	p.failedSet[orderID] = true

	p.bus.Emit("task_failed", events.Payload{"workerId": workerID, "orderId": orderID, "error": w.LastError})
	return nil
}

// ReleaseWorker returns workerID to idle without recording a completion,
// clearing lastError.
func (p *Pool) ReleaseWorker(workerID string) error {
	return p.resetLocked(workerID, true)
}

// ResetWorker returns workerID to idle without recording a completion,
// clearing lastError. Identical to ReleaseWorker; both names appear in
// spec.md as the pool's "return to idle" primitives.
func (p *Pool) ResetWorker(workerID string) error {
	return p.resetLocked(workerID, true)
}

func (p *Pool) resetLocked(workerID string, clearError bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return ctlerr.New(ctlerr.KindWorkerNotFound, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"unknown worker: "+workerID)
	}
	w.Status = WorkerIdle
	w.CurrentIssue = ""
	w.CurrentOrderID = ""
	w.StartedAt = nil
	if clearError {
		w.LastError = ""
	}
	return nil
}

// ExtendDeadline pushes workerID's effective start time forward by
// extension, giving it additional time before the next stuck-duration
// check re-evaluates it.
func (p *Pool) ExtendDeadline(workerID string, extension time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return ctlerr.New(ctlerr.KindWorkerNotFound, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"unknown worker: "+workerID)
	}
	if w.StartedAt == nil {
		return ctlerr.New(ctlerr.KindWorkerNotAvailable, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"worker has no active task: "+workerID)
	}
	extended := time.Now().Add(extension)
	w.StartedAt = &extended
	return nil
}

// RespawnWorker returns workerID to idle with its current task and
// lastError cleared; its completion counters and order history are kept.
// It is the restart primitive behind recovery.PoolAdapter.RestartWorker.
func (p *Pool) RespawnWorker(workerID string) error {
	return p.resetLocked(workerID, true)
}

// MarkWorkerZombie marks workerID as errored pending Health Monitor
// restart handling. The pool does not itself track "zombie" as a status
// value — that state machine lives in the Health Monitor — but a zombie
// worker is pulled out of idle rotation by forcing it to error.
func (p *Pool) MarkWorkerZombie(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return ctlerr.New(ctlerr.KindWorkerNotFound, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"unknown worker: "+workerID)
	}
	w.Status = WorkerError
	return nil
}

// ReassignTask finds any work order for issueID, picks the lowest-numbered
// idle worker and assigns it; if none is available it re-queues the issue
// at its original priority score.
func (p *Pool) ReassignTask(issueID string, priorityScore float64) error {
	p.mu.Lock()
	var order *WorkOrder
	for _, o := range p.orders {
		if o.IssueID == issueID {
			if order == nil || o.CreatedAt.Before(order.CreatedAt) {
				order = o
			}
		}
	}
	if order == nil {
		p.mu.Unlock()
		return ctlerr.New(ctlerr.KindWorkOrderNotFound, ctlerr.SeverityMedium, ctlerr.CategoryRecoverable,
			"no work order for issue: "+issueID)
	}
	workerID := p.lowestIdleLocked()
	p.mu.Unlock()

	if workerID == "" {
		if p.q != nil {
			p.q.Enqueue(issueID, priorityScore)
		}
		p.bus.Emit("task_reassign_queued", events.Payload{"issueId": issueID})
		return nil
	}

	if err := p.AssignWork(workerID, order); err != nil {
		// The chosen worker may have been claimed by a concurrent dispatch
		// between lowestIdleLocked and AssignWork; re-queue rather than
		// drop the issue on the floor.
		if p.q != nil {
			p.q.Enqueue(issueID, priorityScore)
		}
		p.bus.Emit("task_reassign_queued", events.Payload{"issueId": issueID})
		return nil
	}
	p.bus.Emit("task_reassigned", events.Payload{"issueId": issueID, "workerId": workerID})
	return nil
}

// Worker returns a copy of the named worker's current state.
func (p *Pool) Worker(workerID string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Workers returns a stable-ordered snapshot of every worker.
func (p *Pool) Workers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.sortedWorkerIDsLocked()
	out := make([]Worker, 0, len(ids))
	for _, id := range ids {
		out = append(out, *p.workers[id])
	}
	return out
}
