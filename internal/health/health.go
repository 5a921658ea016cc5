// Package health implements the Health Monitor: heartbeat accounting, the
// healthy/degraded/zombie/restarting state machine, and zombie recovery
// (spec.md section 4.5).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/recovery"
)

// TaskLookup resolves a worker's current issue, if any, so the monitor can
// invoke reassignment on zombie detection without owning pool state
// itself.
type TaskLookup func(workerID string) (issueID string, ok bool)

// Monitor tracks every worker's heartbeat and health state and drives
// recovery through a recovery.Capability collaborator.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	bus      *events.Bus
	cap      recovery.Capability
	lookup   TaskLookup
	log      *zap.SugaredLogger
	workers  map[string]*WorkerState
	breakers map[string]*gobreaker.CircuitBreaker

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor. lookup may be nil, in which case zombie detection
// never finds a current task to reassign.
func New(cfg Config, bus *events.Bus, cap recovery.Capability, lookup TaskLookup, log *zap.SugaredLogger) *Monitor {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.New(nil)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Monitor{
		cfg:      cfg,
		bus:      bus,
		cap:      cap,
		lookup:   lookup,
		log:      log,
		workers:  make(map[string]*WorkerState),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RecordHeartbeat accounts for a liveness ping. An unknown worker
// auto-registers as healthy.
func (m *Monitor) RecordHeartbeat(workerID string, h Heartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.getOrCreateLocked(workerID)
	ws.LastHeartbeat = h.Timestamp
	ws.HasHeartbeat = true
	ws.MissedHeartbeats = 0
	ws.LastMemoryUsage = h.MemoryUsage
	ws.LastCPUUsage = h.CPUUsage
	if ws.Status == StatusDegraded {
		ws.Status = StatusHealthy
	}

	if h.MemoryUsage > m.cfg.MemoryThresholdBytes {
		m.bus.Emit("memory_threshold_exceeded", events.Payload{
			"workerId":    workerID,
			"memoryUsage": h.MemoryUsage,
			"threshold":   m.cfg.MemoryThresholdBytes,
		})
	}
}

func (m *Monitor) getOrCreateLocked(workerID string) *WorkerState {
	ws, ok := m.workers[workerID]
	if !ok {
		ws = &WorkerState{WorkerID: workerID, Status: StatusHealthy}
		m.workers[workerID] = ws
	}
	return ws
}

// Worker returns a copy of workerID's current health state.
func (m *Monitor) Worker(workerID string) (WorkerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[workerID]
	if !ok {
		return WorkerState{}, false
	}
	return *ws, true
}

// Tick runs one health-check pass over every tracked worker.
func (m *Monitor) Tick(now time.Time) {
	m.mu.Lock()
	var zombiesJustDetected []string
	var toRestart []string

	for id, ws := range m.workers {
		if ws.HasHeartbeat {
			ws.MissedHeartbeats = int(now.Sub(ws.LastHeartbeat) / m.cfg.HeartbeatInterval)
		} else {
			ws.MissedHeartbeats++
		}

		if ws.Status == StatusHealthy && ws.MissedHeartbeats >= 1 {
			ws.Status = StatusDegraded
		}

		switch ws.Status {
		case StatusDegraded:
			if ws.MissedHeartbeats >= m.cfg.MissedHeartbeatThreshold {
				ws.Status = StatusZombie
				zombiesJustDetected = append(zombiesJustDetected, id)
			}
		case StatusZombie:
			toRestart = append(toRestart, id)
		}
	}
	m.mu.Unlock()

	for _, id := range zombiesJustDetected {
		m.handleZombieDetected(id)
	}
	for _, id := range toRestart {
		m.attemptRestart(id, now)
	}
}

func (m *Monitor) handleZombieDetected(workerID string) {
	m.bus.Emit("zombie_detected", events.Payload{"workerId": workerID})

	if m.lookup != nil {
		if issueID, ok := m.lookup(workerID); ok && issueID != "" {
			if m.cap != nil {
				if err := m.cap.ReassignTask(issueID, 0); err != nil {
					m.log.Warnw("zombie task reassignment failed", "workerId", workerID, "issueId", issueID, "error", err)
				}
			}
		}
	}

	m.attemptRestart(workerID, time.Now())
}

// attemptRestart respects restartCooldownMs between attempts and defers to
// a per-worker circuit breaker for the terminal-zombie decision: the
// breaker's own ReadyToTrip (consecutive restart failures >= maxRestarts)
// opens it, and once open, Execute refuses to even call RestartWorker and
// returns gobreaker.ErrOpenState immediately. That tripped state, not a
// separate restart counter, is what marks the worker permanently zombie.
func (m *Monitor) attemptRestart(workerID string, now time.Time) {
	m.mu.Lock()
	ws, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !ws.LastRestartAt.IsZero() && now.Sub(ws.LastRestartAt) < m.cfg.RestartCooldown {
		m.mu.Unlock()
		return
	}
	ws.Status = StatusRestarting
	breaker := m.breakerForLocked(workerID)
	m.mu.Unlock()

	var restartErr error
	if m.cap != nil {
		_, restartErr = breaker.Execute(func() (interface{}, error) {
			return nil, m.cap.RestartWorker(workerID)
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ws.LastRestartAt = now
	if restartErr != nil {
		ws.RestartCount++
		ws.Status = StatusZombie
		if breaker.State() == gobreaker.StateOpen {
			m.bus.Emit("worker_restart_failed", events.Payload{"workerId": workerID, "restartCount": ws.RestartCount})
		}
		return
	}
	ws.Status = StatusHealthy
	ws.MissedHeartbeats = 0
	ws.HasHeartbeat = false
}

func (m *Monitor) breakerForLocked(workerID string) *gobreaker.CircuitBreaker {
	if b, ok := m.breakers[workerID]; ok {
		return b
	}
	maxRestarts := m.cfg.MaxRestarts
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "worker-restart-" + workerID,
		MaxRequests: 1,
		Timeout:     m.cfg.RestartCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= maxRestarts
		},
	})
	m.breakers[workerID] = b
	return b
}

// Start runs Tick on a healthCheckIntervalMs cadence until the context is
// canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ticker != nil {
		m.mu.Unlock()
		return
	}
	m.ticker = time.NewTicker(m.cfg.HealthCheckInterval)
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
			case t := <-ticker.C:
				m.Tick(t)
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
