// Package stuck implements the Stuck-Worker Handler: per-task-type
// duration thresholds, level derivation, and the progressive recovery
// escalation of spec.md section 4.6.
package stuck

import (
	"sync"

	"go.uber.org/zap"

	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/recovery"
)

// Handler tracks every running worker's stuck-duration level and drives
// recovery through a recovery.Capability collaborator.
type Handler struct {
	mu       sync.Mutex
	cfg      Config
	bus      *events.Bus
	cap      recovery.Capability
	log      *zap.SugaredLogger
	workers  map[string]*workerState
	attempts []RecoveryAttempt
}

// New builds a Handler.
func New(cfg Config, bus *events.Bus, cap recovery.Capability, log *zap.SugaredLogger) *Handler {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.New(nil)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		cfg:     cfg,
		bus:     bus,
		cap:     cap,
		log:     log,
		workers: make(map[string]*workerState),
	}
}

// Tick evaluates every observed worker's current stuck level and, on a
// level transition, emits the corresponding escalation event and (if
// autoRecoveryEnabled) takes the recovery action the progression table
// specifies.
func (h *Handler) Tick(observations []WorkerObservation) {
	for _, obs := range observations {
		h.evaluate(obs)
	}
}

func (h *Handler) evaluate(obs WorkerObservation) {
	th := h.cfg.thresholdsFor(obs.TaskType)
	newLevel := level(obs.Duration, th)

	h.mu.Lock()
	ws, ok := h.workers[obs.WorkerID]
	if !ok {
		ws = &workerState{lastLevel: LevelNone}
		h.workers[obs.WorkerID] = ws
	}
	if ws.lastLevel == newLevel {
		h.mu.Unlock()
		return
	}
	ws.lastLevel = newLevel
	h.mu.Unlock()

	switch newLevel {
	case LevelWarning:
		h.onWarning(ws, obs)
	case LevelStuck:
		h.onStuck(ws, obs)
	case LevelCritical:
		h.onCritical(ws, obs)
	}
}

func (h *Handler) onWarning(ws *workerState, obs WorkerObservation) {
	h.bus.Emit("worker_warning", events.Payload{"workerId": obs.WorkerID, "issueId": obs.IssueID})
	if !h.cfg.AutoRecoveryEnabled {
		return
	}
	h.mu.Lock()
	already := ws.warningFired
	ws.warningFired = true
	h.mu.Unlock()
	if already {
		return
	}
	h.recordAttempt(obs, 0, "send_warning", true, nil)
}

func (h *Handler) onStuck(ws *workerState, obs WorkerObservation) {
	h.mu.Lock()
	attempt := ws.stuckAttempts
	ws.stuckAttempts++
	h.mu.Unlock()

	h.bus.Emit("worker_stuck", events.Payload{"workerId": obs.WorkerID, "issueId": obs.IssueID, "attempt": attempt})
	if !h.cfg.AutoRecoveryEnabled {
		return
	}

	switch attempt {
	case 0:
		err := h.capOrNil(func() error { return h.cap.ExtendDeadline(obs.WorkerID, obs.IssueID, h.cfg.DeadlineExtension) })
		h.recordAttempt(obs, attempt, "extend_deadline", err == nil, err)
	case 1:
		err := h.capOrNil(func() error { return h.cap.ReassignTask(obs.IssueID, obs.PriorityScore) })
		h.recordAttempt(obs, attempt, "reassign_task", err == nil, err)
	default:
		err := h.capOrNil(func() error { return h.cap.RestartWorker(obs.WorkerID) })
		h.recordAttempt(obs, attempt, "restart_worker", err == nil, err)
		if err == nil {
			h.resetEscalation(ws)
		}
	}
}

func (h *Handler) onCritical(ws *workerState, obs WorkerObservation) {
	h.mu.Lock()
	attempt := ws.criticalAttempts
	ws.criticalAttempts++
	h.mu.Unlock()

	h.bus.Emit("worker_critical", events.Payload{"workerId": obs.WorkerID, "issueId": obs.IssueID, "attempt": attempt})
	if !h.cfg.AutoRecoveryEnabled {
		return
	}

	if attempt < h.cfg.MaxRecoveryAttempts {
		err := h.capOrNil(func() error { return h.cap.RestartWorker(obs.WorkerID) })
		h.recordAttempt(obs, attempt, "restart_worker", err == nil, err)
		if err == nil {
			h.resetEscalation(ws)
		}
		return
	}

	h.mu.Lock()
	already := ws.escalatedCritical
	ws.escalatedCritical = true
	h.mu.Unlock()
	if already {
		return
	}

	esc := recovery.Escalation{
		WorkerID: obs.WorkerID,
		IssueID:  obs.IssueID,
		Level:    string(LevelCritical),
		Attempts: attempt,
		Reason:   "max recovery attempts exceeded",
	}
	h.bus.Emit("critical_escalation", events.Payload{"workerId": obs.WorkerID, "issueId": obs.IssueID, "attempts": attempt})
	if h.cap != nil {
		_ = h.cap.EscalateCritical(esc)
	}
	h.recordAttempt(obs, attempt, "escalate_critical", true, nil)

	if h.cfg.PauseOnCritical && h.cap != nil {
		if err := h.cap.PausePipeline("critical escalation: " + obs.WorkerID); err != nil {
			h.log.Warnw("pipeline pause failed", "error", err)
		}
	}
}

// resetEscalation clears a worker's last escalation level after a
// successful restart_worker recovery, rather than waiting for the next
// observation of the respawned worker to discover the duration has reset.
// stuckAttempts/criticalAttempts are left untouched: they count cumulative
// recovery attempts across restarts within one escalation episode, which
// is what lets onStuck progress through extend/reassign/restart and lets
// onCritical reach escalate_critical instead of restarting forever.
func (h *Handler) resetEscalation(ws *workerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws.lastLevel = LevelNone
}

func (h *Handler) capOrNil(fn func() error) error {
	if h.cap == nil {
		return nil
	}
	return fn()
}

func (h *Handler) recordAttempt(obs WorkerObservation, attempt int, action string, success bool, err error) {
	rec := RecoveryAttempt{WorkerID: obs.WorkerID, IssueID: obs.IssueID, AttemptNumber: attempt, Action: action, Success: success}
	if err != nil {
		rec.Error = err.Error()
	}
	h.mu.Lock()
	h.attempts = append(h.attempts, rec)
	h.mu.Unlock()
}

// Attempts returns a copy of every recovery attempt recorded so far.
func (h *Handler) Attempts() []RecoveryAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RecoveryAttempt, len(h.attempts))
	copy(out, h.attempts)
	return out
}

// Level returns workerID's current escalation level.
func (h *Handler) Level(workerID string) Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws, ok := h.workers[workerID]
	if !ok {
		return LevelNone
	}
	return ws.lastLevel
}
