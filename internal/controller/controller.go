// Package controller wires the Graph Analyzer, Bounded Queue, Worker
// Pool, Health Monitor, Stuck-Worker Handler, Progress Monitor, Metrics
// Collector, and (optionally) the Distributed Lock into one running
// engine: a ticker-driven poll loop that dispatches ready issues to idle
// workers and reacts to their completion (spec.md section 9's object
// whose lifecycle is initialize/run/dispose).
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/graph"
	"github.com/taskctl/controller/internal/health"
	"github.com/taskctl/controller/internal/lock"
	"github.com/taskctl/controller/internal/metrics"
	"github.com/taskctl/controller/internal/pool"
	"github.com/taskctl/controller/internal/progress"
	"github.com/taskctl/controller/internal/queue"
	"github.com/taskctl/controller/internal/recovery"
	"github.com/taskctl/controller/internal/stuck"
)

// Controller is the top-level object a caller initializes, runs, and
// disposes. It owns no business logic of its own beyond dispatch: every
// decision (what's ready, how to score it, how to recover a stuck
// worker) is delegated to its collaborators.
type Controller struct {
	cfg       Config
	projectID string
	log       *zap.SugaredLogger

	bus      *events.Bus
	analysis *graph.AnalysisResult
	pool     *pool.Pool
	queue    *queue.Queue
	health   *health.Monitor
	stuck    *stuck.Handler
	metrics  *metrics.Collector
	progress *progress.Monitor
	locker   *lock.Locker
	executor Executor

	mu        sync.Mutex
	completed map[string]bool
	failed    map[string]bool
	queued    map[string]bool
	started   map[string]time.Time

	pollTicker *time.Ticker
	stopCh     chan struct{}
	doneCh     chan struct{}
	wg         sync.WaitGroup

	results chan dispatchResult
}

type dispatchResult struct {
	workerID string
	issueID  string
	order    *pool.WorkOrder
	result   pool.WorkResult
}

// New initializes a Controller from the analyzed graph g and every
// component's built config. executor performs the actual work; a nil
// executor is valid for tests that drive completion manually.
func New(cfg Config, g *graph.Graph, executor Executor, log *zap.SugaredLogger) (*Controller, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	analysis, err := graph.Analyze(g, cfg.Analyzer)
	if err != nil {
		return nil, err
	}

	bus := events.New(log)
	q := queue.New(cfg.Queue, bus)
	p := pool.New(cfg.Pool, bus, q)
	adapter := recovery.NewPoolAdapter(p, bus)

	lookup := func(workerID string) (string, bool) {
		w, ok := p.Worker(workerID)
		if !ok || w.CurrentIssue == "" {
			return "", false
		}
		return w.CurrentIssue, true
	}
	healthMon := health.New(cfg.Health, bus, adapter, lookup, log)
	stuckHandler := stuck.New(cfg.Stuck, bus, adapter, log)
	metricsCollector := metrics.New(cfg.Metrics)

	var locker *lock.Locker
	if cfg.Lock.Enabled {
		locker = lock.New(cfg.Lock)
	}

	c := &Controller{
		cfg:       cfg,
		projectID: defaultProjectID,
		log:       log,
		bus:       bus,
		analysis:  analysis,
		pool:      p,
		queue:     q,
		health:    healthMon,
		stuck:     stuckHandler,
		metrics:   metricsCollector,
		locker:    locker,
		executor:  executor,
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		queued:    make(map[string]bool),
		started:   make(map[string]time.Time),
		results:   make(chan dispatchResult, cfg.Pool.MaxWorkers*2+1),
	}

	c.progress = progress.New(cfg.Progress, bus, len(analysis.Issues),
		func() []pool.Worker { return p.Workers() },
		func() (int, int) { return q.Len(), q.MaxSize() },
		func() []health.WorkerState { return c.healthSnapshot() },
		log)

	bus.Subscribe(c.onEvent)

	return c, nil
}

func (c *Controller) healthSnapshot() []health.WorkerState {
	var out []health.WorkerState
	for _, w := range c.pool.Workers() {
		if ws, ok := c.health.Worker(w.ID); ok {
			out = append(out, ws)
		}
	}
	return out
}

// onEvent feeds pool lifecycle events into the metrics collector and the
// progress monitor's recent-activity feed.
func (c *Controller) onEvent(kind string, payload events.Payload) {
	switch kind {
	case "task_started":
		c.metrics.RecordTaskStarted()
		issueID, _ := payload["issueId"].(string)
		workerID, _ := payload["workerId"].(string)
		c.progress.RecordStarted(issueID, workerID)
	case "task_reassign_queued":
		issueID, _ := payload["issueId"].(string)
		c.progress.RecordBlocked(issueID, "no idle worker available for reassignment")
	case "backpressure_activated":
		c.metrics.SetBackpressureActive(true)
	case "backpressure_deactivated":
		c.metrics.SetBackpressureActive(false)
	}
}

// Seed admits every currently-ready issue (per the graph analysis) into
// the bounded queue. Call once after New, before Run.
func (c *Controller) Seed() {
	c.mu.Lock()
	for id, issue := range c.analysis.Issues {
		switch issue.Node.Status {
		case graph.StatusCompleted:
			c.completed[id] = true
		case graph.StatusFailed:
			c.failed[id] = true
		}
	}
	c.mu.Unlock()
	c.enqueueReady()
}

// enqueueReady admits every not-yet-queued, not-completed, not-blocked
// issue whose dependencies are all complete.
func (c *Controller) enqueueReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, issue := range c.analysis.Issues {
		if c.completed[id] || c.failed[id] || c.queued[id] || issue.BlockedByCycle {
			continue
		}
		if !c.allDependenciesCompleteLocked(issue.Dependencies) {
			continue
		}
		result := c.queue.Enqueue(id, issue.PriorityScore)
		if result.Success {
			c.queued[id] = true
		}
	}
}

func (c *Controller) allDependenciesCompleteLocked(deps []string) bool {
	for _, d := range deps {
		if !c.completed[d] {
			return false
		}
	}
	return true
}

// Run starts every periodic component and drives the dispatch loop until
// ctx is canceled or Shutdown is called.
func (c *Controller) Run(ctx context.Context) error {
	c.health.Start(ctx)
	c.progress.Start(ctx)

	c.mu.Lock()
	if c.pollTicker != nil {
		c.mu.Unlock()
		return fmt.Errorf("controller already running")
	}
	c.pollTicker = time.NewTicker(c.cfg.Progress.PollingInterval)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	ticker := c.pollTicker
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	stuckTicker := time.NewTicker(c.cfg.Health.HeartbeatInterval)
	defer stuckTicker.Stop()

	c.poll(ctx)

	defer close(doneCh)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case res := <-c.results:
			c.handleCompletion(res)
			c.poll(ctx)
		case <-ticker.C:
			c.poll(ctx)
		case t := <-stuckTicker.C:
			c.stuck.Tick(c.stuckObservations(t))
		}
	}
}

// poll dispatches as many ready issues as there are idle workers, mirroring
// the fetch-then-dispatch shape of a typical daemon polling cycle.
func (c *Controller) poll(ctx context.Context) {
	c.enqueueReady()

	for {
		workerID := c.pool.GetAvailableSlot()
		if workerID == "" {
			return
		}
		issueID, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		c.dispatch(ctx, workerID, issueID)
	}
}

func (c *Controller) dispatch(ctx context.Context, workerID, issueID string) {
	var issueCtx map[string]any
	if issue, ok := c.analysis.Issues[issueID]; ok {
		issueCtx = map[string]any{"effort": issue.Node.Effort, "priority": string(issue.Node.Priority)}
	}

	order, err := c.pool.CreateWorkOrder(issueID, issueCtx)
	if err != nil {
		c.log.Warnw("work order creation failed", "issueId", issueID, "error", err)
		return
	}
	if err := c.pool.AssignWork(workerID, order); err != nil {
		c.log.Warnw("work assignment failed", "issueId", issueID, "workerId", workerID, "error", err)
		return
	}

	c.mu.Lock()
	delete(c.queued, issueID)
	c.started[workerID] = time.Now()
	executor := c.executor
	c.mu.Unlock()

	if executor == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runCtx, cancel := context.WithTimeout(ctx, c.cfg.Pool.WorkerTimeout)
		defer cancel()
		result := executor.Execute(runCtx, workerID, *order)
		select {
		case c.results <- dispatchResult{workerID: workerID, issueID: issueID, order: order, result: result}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) handleCompletion(res dispatchResult) {
	c.mu.Lock()
	startedAt, hadStart := c.started[res.workerID]
	delete(c.started, res.workerID)
	if res.result.Success {
		c.completed[res.issueID] = true
	} else {
		c.failed[res.issueID] = true
	}
	c.mu.Unlock()

	if !hadStart {
		startedAt = time.Now()
	}

	if res.result.Success {
		if err := c.pool.CompleteWork(res.workerID, res.result); err != nil {
			c.log.Warnw("complete-work failed", "workerId", res.workerID, "error", err)
		}
	} else {
		if err := c.pool.FailWork(res.workerID, res.result.OrderID, fmt.Errorf("%s", res.result.Error)); err != nil {
			c.log.Warnw("fail-work failed", "workerId", res.workerID, "error", err)
		}
	}

	c.metrics.RecordTaskCompletion(metrics.CompletionRecord{
		IssueID:    res.issueID,
		WorkerID:   res.workerID,
		DurationMs: float64(time.Since(startedAt).Milliseconds()),
		Success:    res.result.Success,
		RecordedAt: time.Now(),
	})
	c.progress.RecordCompletion(res.issueID, res.workerID, startedAt, res.result.Success)

	workers := c.pool.Workers()
	var idle, working, errored int
	for _, w := range workers {
		switch w.Status {
		case pool.WorkerIdle:
			idle++
		case pool.WorkerWorking:
			working++
		case pool.WorkerError:
			errored++
		}
	}
	c.metrics.SetWorkerCounts(idle, working, errored)
	c.metrics.SetQueueDepth(c.queue.Len(), c.queue.MaxSize())
	c.metrics.SetDeadLetterSize(len(c.queue.DeadLetter()))
}

// stuckObservations builds one stuck.WorkerObservation per currently
// working worker, so the handler can re-evaluate escalation levels.
func (c *Controller) stuckObservations(now time.Time) []stuck.WorkerObservation {
	var obs []stuck.WorkerObservation
	for _, w := range c.pool.Workers() {
		if w.Status != pool.WorkerWorking || w.StartedAt == nil {
			continue
		}
		issue := c.analysis.Issues[w.CurrentIssue]
		var priority float64
		var taskType string
		if issue != nil {
			priority = issue.PriorityScore
			taskType = string(issue.Node.Priority)
		}
		obs = append(obs, stuck.WorkerObservation{
			WorkerID:      w.ID,
			IssueID:       w.CurrentIssue,
			TaskType:      taskType,
			Duration:      now.Sub(*w.StartedAt),
			PriorityScore: priority,
		})
	}
	return obs
}

// Bus exposes the shared event bus for external subscribers (e.g. a CLI's
// live status view).
func (c *Controller) Bus() *events.Bus { return c.bus }

// Progress returns the most recently sampled progress metrics.
func (c *Controller) Progress() progress.Metrics { return c.progress.Metrics() }

// Analysis returns the graph analysis this controller was built from.
func (c *Controller) Analysis() *graph.AnalysisResult { return c.analysis }

// SetExecutor attaches the executor used to run dispatched work orders.
// Callers that need to wire a worker adapter's heartbeat callback back to
// RecordHeartbeat construct the Controller with a nil executor, build the
// adapter against RecordHeartbeat, then call this before Run.
func (c *Controller) SetExecutor(executor Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executor = executor
}

// RecordHeartbeat feeds a worker adapter's liveness ping into the Health
// Monitor.
func (c *Controller) RecordHeartbeat(workerID string, hb health.Heartbeat) {
	c.health.RecordHeartbeat(workerID, hb)
}

// Shutdown stops every timer, waits for in-flight work to finish,
// releases any held distributed lock, and persists final pool state.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.pollTicker != nil {
		c.pollTicker.Stop()
		close(c.stopCh)
		c.pollTicker = nil
	}
	doneCh := c.doneCh
	c.mu.Unlock()
	if doneCh != nil {
		<-doneCh
	}

	c.health.Stop()
	c.progress.Stop()
	c.wg.Wait()

	var queued []pool.QueuedIssue
	for c.queue.Len() > 0 {
		id, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		score := 0.0
		if issue, ok := c.analysis.Issues[id]; ok {
			score = issue.PriorityScore
		}
		queued = append(queued, pool.QueuedIssue{IssueID: id, PriorityScore: score})
	}
	save := func() error { return c.pool.SaveState(c.projectID, queued) }
	var err error
	if c.locker != nil {
		statePath := c.cfg.Pool.WorkOrdersPath + "/controller_state"
		err = c.locker.WithLock(ctx, statePath, save)
	} else {
		err = save()
	}
	if err != nil {
		c.log.Warnw("final state persistence failed", "error", err)
		return err
	}
	return nil
}
