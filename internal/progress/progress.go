// Package progress implements the Progress Monitor: periodic sampling of
// pool/queue/health state, derived completion metrics, bottleneck
// detection, milestone events, and a persisted JSON+Markdown report
// (spec.md section 4.7).
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/health"
	"github.com/taskctl/controller/internal/pool"
)

// Monitor samples pool/queue/health state on a pollingInterval cadence and
// derives the metrics, bottlenecks, milestones, and recent-activity feed
// the spec documents.
type Monitor struct {
	mu  sync.Mutex
	cfg Config
	bus *events.Bus
	log *zap.SugaredLogger

	poolView   PoolView
	queueView  QueueView
	healthView HealthView

	totalIssues int

	completed, failed int
	durationSum       float64 // milliseconds
	durationCount     int

	activities []Activity

	bottlenecks     map[string]Bottleneck
	milestonesFired map[int]bool

	last Metrics

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor. totalIssues, when known, drives an exact
// percentage; pass 0 to fall back to the sum-of-categories inference.
func New(cfg Config, bus *events.Bus, totalIssues int, poolView PoolView, queueView QueueView, healthView HealthView, log *zap.SugaredLogger) *Monitor {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.New(nil)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Monitor{
		cfg:             cfg,
		bus:             bus,
		log:             log,
		poolView:        poolView,
		queueView:       queueView,
		healthView:      healthView,
		totalIssues:     totalIssues,
		bottlenecks:     make(map[string]Bottleneck),
		milestonesFired: make(map[int]bool),
	}
}

// RecordCompletion accounts for a finished task. It feeds both the
// completed/failed counters and the recent-activity deque.
func (m *Monitor) RecordCompletion(issueID, workerID string, startedAt time.Time, success bool) {
	durationMs := float64(time.Since(startedAt).Milliseconds())

	m.mu.Lock()
	if success {
		m.completed++
		m.pushActivityLocked(Activity{Type: ActivityCompleted, IssueID: issueID, WorkerID: workerID})
	} else {
		m.failed++
		m.pushActivityLocked(Activity{Type: ActivityFailed, IssueID: issueID, WorkerID: workerID})
	}
	m.durationSum += durationMs
	m.durationCount++
	m.mu.Unlock()
}

// RecordStarted appends a "started" recent-activity entry.
func (m *Monitor) RecordStarted(issueID, workerID string) {
	m.mu.Lock()
	m.pushActivityLocked(Activity{Type: ActivityStarted, IssueID: issueID, WorkerID: workerID})
	m.mu.Unlock()
}

// RecordBlocked appends a "blocked" recent-activity entry with a reason.
func (m *Monitor) RecordBlocked(issueID, details string) {
	m.mu.Lock()
	m.pushActivityLocked(Activity{Type: ActivityBlocked, IssueID: issueID, Details: details})
	m.mu.Unlock()
}

func (m *Monitor) pushActivityLocked(a Activity) {
	a.Timestamp = time.Now()
	m.activities = append([]Activity{a}, m.activities...)
	if len(m.activities) > m.cfg.MaxRecentActivities {
		m.activities = m.activities[:m.cfg.MaxRecentActivities]
	}
}

// Tick samples pool/queue/health, derives metrics, re-evaluates
// bottlenecks and milestones, emits events, and persists the report.
func (m *Monitor) Tick() Metrics {
	var workers []pool.Worker
	if m.poolView != nil {
		workers = m.poolView()
	}
	var queueSize, queueMax int
	if m.queueView != nil {
		queueSize, queueMax = m.queueView()
	}
	var healthStates []health.WorkerState
	if m.healthView != nil {
		healthStates = m.healthView()
	}

	metrics := m.deriveMetrics(workers, queueSize)

	m.mu.Lock()
	m.last = metrics
	activities := append([]Activity(nil), m.activities...)
	m.mu.Unlock()

	m.bus.Emit("progress_updated", events.Payload{"metrics": metrics})

	bottlenecks := m.evaluateBottlenecks(workers, queueSize, queueMax)
	m.evaluateMilestones(metrics)

	if m.cfg.ReportPath != "" {
		if err := m.persist(metrics, bottlenecks, activities, healthStates); err != nil {
			m.log.Warnw("progress report persistence failed", "error", err)
		}
	}

	return metrics
}

func (m *Monitor) deriveMetrics(workers []pool.Worker, queueSize int) Metrics {
	var working, errored int
	for _, w := range workers {
		switch w.Status {
		case pool.WorkerWorking:
			working++
		case pool.WorkerError:
			errored++
		}
	}

	m.mu.Lock()
	completed, failed := m.completed, m.failed
	var avg float64
	if m.durationCount > 0 {
		avg = m.durationSum / float64(m.durationCount)
	}
	m.mu.Unlock()

	met := Metrics{
		Completed:             completed,
		Failed:                failed,
		InProgress:            working,
		Pending:               queueSize,
		Blocked:               errored,
		TotalIssues:           m.totalIssues,
		AverageCompletionTime: avg,
		SampledAt:             time.Now(),
	}

	if m.totalIssues > 0 {
		met.Percentage = 100 * float64(completed) / float64(m.totalIssues)
	} else {
		sum := completed + failed + working + queueSize + errored
		if sum > 0 {
			met.Percentage = 100 * float64(completed) / float64(sum)
		}
	}

	remaining := m.totalIssues - completed - failed
	totalWorkers := len(workers)
	if avg > 0 && remaining > 0 && totalWorkers > 0 {
		denom := remaining
		if totalWorkers < denom {
			denom = totalWorkers
		}
		if denom > 0 {
			etaMs := avg * float64(remaining) / float64(denom)
			eta := time.Now().Add(time.Duration(etaMs) * time.Millisecond)
			met.ETA = &eta
		}
	}

	return met
}

// evaluateBottlenecks re-checks every trigger condition and emits
// bottleneck_detected/bottleneck_resolved on state transitions.
func (m *Monitor) evaluateBottlenecks(workers []pool.Worker, queueSize, queueMax int) []Bottleneck {
	current := make(map[string]Bottleneck)

	var working, idle, errored int
	for _, w := range workers {
		switch w.Status {
		case pool.WorkerWorking:
			working++
			if w.StartedAt != nil {
				dur := time.Since(*w.StartedAt)
				if dur >= m.cfg.CriticalThreshold {
					key := "stuck_worker:" + w.ID
					current[key] = Bottleneck{Type: BottleneckStuckWorker, WorkerID: w.ID, Severity: 5}
				} else if dur >= m.cfg.StuckThreshold {
					key := "stuck_worker:" + w.ID
					current[key] = Bottleneck{Type: BottleneckStuckWorker, WorkerID: w.ID, Severity: 4}
				}
			}
		case pool.WorkerIdle:
			idle++
		case pool.WorkerError:
			errored++
			key := "stuck_worker:" + w.ID
			current[key] = Bottleneck{Type: BottleneckStuckWorker, WorkerID: w.ID, Severity: 4}
		}
	}

	if working == 0 && idle > 0 && queueSize > 0 {
		current["blocked_chain"] = Bottleneck{Type: BottleneckBlockedChain, Severity: 3}
	}
	totalWorkers := working + idle + errored
	if idle == 0 && totalWorkers > 0 && queueSize > 2*totalWorkers {
		current["resource_contention"] = Bottleneck{Type: BottleneckResourceContention, Severity: 2}
	}

	now := time.Now()
	m.mu.Lock()
	for key, b := range current {
		if _, exists := m.bottlenecks[key]; !exists {
			b.DetectedAt = now
			m.bottlenecks[key] = b
			m.mu.Unlock()
			m.bus.Emit("bottleneck_detected", events.Payload{"type": string(b.Type), "workerId": b.WorkerID, "severity": b.Severity})
			m.mu.Lock()
		}
	}
	for key, b := range m.bottlenecks {
		if _, stillActive := current[key]; !stillActive {
			delete(m.bottlenecks, key)
			m.mu.Unlock()
			m.bus.Emit("bottleneck_resolved", events.Payload{"type": string(b.Type), "workerId": b.WorkerID})
			m.mu.Lock()
		}
	}
	out := make([]Bottleneck, 0, len(m.bottlenecks))
	for _, b := range m.bottlenecks {
		out = append(out, b)
	}
	m.mu.Unlock()

	return out
}

// evaluateMilestones fires milestone_reached (and, at 100%, all_completed)
// exactly once per threshold crossing.
func (m *Monitor) evaluateMilestones(metrics Metrics) {
	for _, threshold := range []int{25, 50, 75, 100} {
		if metrics.Percentage < float64(threshold) {
			continue
		}
		m.mu.Lock()
		already := m.milestonesFired[threshold]
		m.milestonesFired[threshold] = true
		m.mu.Unlock()
		if already {
			continue
		}
		m.bus.Emit("milestone_reached", events.Payload{"percentage": threshold})
		if threshold == 100 {
			m.bus.Emit("all_completed", events.Payload{"completed": metrics.Completed, "failed": metrics.Failed})
		}
	}
}

// Metrics returns the most recently computed snapshot.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Activities returns a copy of the recent-activity deque, newest first.
func (m *Monitor) Activities() []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Activity, len(m.activities))
	copy(out, m.activities)
	return out
}

func (m *Monitor) persist(metrics Metrics, bottlenecks []Bottleneck, activities []Activity, healthStates []health.WorkerState) error {
	dir := filepath.Dir(m.cfg.ReportPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	jsonData, err := json.MarshalIndent(struct {
		Metrics      Metrics              `json:"metrics"`
		Bottlenecks  []Bottleneck         `json:"bottlenecks"`
		Activities   []Activity           `json:"recentActivity"`
		WorkerHealth []health.WorkerState `json:"workerHealth,omitempty"`
	}{metrics, bottlenecks, activities, healthStates}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(m.cfg.ReportPath+".json", jsonData); err != nil {
		return err
	}

	md := renderMarkdown(metrics, bottlenecks, activities, healthStates)
	return atomicWrite(m.cfg.ReportPath+".md", []byte(md))
}

// renderMarkdown renders the report in the order spec.md section 6
// requires: Summary, Workers, optionally Worker Health, Bottlenecks,
// Recent Activity.
func renderMarkdown(metrics Metrics, bottlenecks []Bottleneck, activities []Activity, healthStates []health.WorkerState) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Progress Report\n\n")
	fmt.Fprintf(&b, "## Summary\n\n")
	fmt.Fprintf(&b, "- Completed: %d\n", metrics.Completed)
	fmt.Fprintf(&b, "- Failed: %d\n", metrics.Failed)
	fmt.Fprintf(&b, "- In progress: %d\n", metrics.InProgress)
	fmt.Fprintf(&b, "- Pending: %d\n", metrics.Pending)
	fmt.Fprintf(&b, "- Blocked: %d\n", metrics.Blocked)
	fmt.Fprintf(&b, "- Percentage: %.1f%%\n", metrics.Percentage)
	fmt.Fprintf(&b, "- Average completion time: %.0f ms\n", metrics.AverageCompletionTime)
	if metrics.ETA != nil {
		fmt.Fprintf(&b, "- ETA: %s\n", metrics.ETA.Format(time.RFC3339))
	}
	b.WriteString("\n## Workers\n\n")
	fmt.Fprintf(&b, "- Working: %d\n", metrics.InProgress)
	fmt.Fprintf(&b, "- Pending in queue: %d\n", metrics.Pending)
	fmt.Fprintf(&b, "- In error state: %d\n", metrics.Blocked)

	if len(healthStates) > 0 {
		b.WriteString("\n## Worker Health\n\n")
		for _, hs := range healthStates {
			fmt.Fprintf(&b, "- %s: %s (missed=%d, restarts=%d)\n", hs.WorkerID, hs.Status, hs.MissedHeartbeats, hs.RestartCount)
		}
	}

	if len(bottlenecks) > 0 {
		b.WriteString("\n## Bottlenecks\n\n")
		for _, bn := range bottlenecks {
			fmt.Fprintf(&b, "- [%s] %s worker=%s detected_at=%s\n", severityLabel(bn.Severity), bn.Type, bn.WorkerID, bn.DetectedAt.Format(time.RFC3339))
		}
	}

	b.WriteString("\n## Recent Activity\n\n")
	if len(activities) == 0 {
		b.WriteString("_none_\n")
	}
	for _, a := range activities {
		fmt.Fprintf(&b, "- %s %s issue=%s worker=%s %s\n", a.Timestamp.Format(time.RFC3339), a.Type, a.IssueID, a.WorkerID, a.Details)
	}

	return b.String()
}

func severityLabel(severity int) string {
	if severity >= 5 {
		return "critical"
	}
	return "warning"
}

// Start runs Tick on a pollingInterval cadence until the context is
// canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ticker != nil {
		m.mu.Unlock()
		return
	}
	m.ticker = time.NewTicker(m.cfg.PollingInterval)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	ticker := m.ticker
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

// Stop halts the background tick loop, blocking until it exits.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.ticker == nil {
		m.mu.Unlock()
		return
	}
	m.ticker.Stop()
	close(m.stopCh)
	doneCh := m.doneCh
	m.ticker = nil
	m.mu.Unlock()
	<-doneCh
}

// atomicWrite writes data to path via a sibling temp file and rename, the
// same idiom the pool package uses for its own state snapshots.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
