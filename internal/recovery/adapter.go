package recovery

import (
	"time"

	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/pool"
)

// PoolAdapter implements Capability against a live worker pool, wired in
// production; EscalateCritical and PausePipeline have no pool-level
// effect, so they are surfaced as events for the Progress Monitor and CLI
// to react to.
type PoolAdapter struct {
	Pool *pool.Pool
	Bus  *events.Bus
}

// NewPoolAdapter builds a Capability backed by p, emitting pause/escalation
// notices on bus.
func NewPoolAdapter(p *pool.Pool, bus *events.Bus) *PoolAdapter {
	return &PoolAdapter{Pool: p, Bus: bus}
}

func (a *PoolAdapter) ReassignTask(issueID string, priorityScore float64) error {
	return a.Pool.ReassignTask(issueID, priorityScore)
}

func (a *PoolAdapter) RestartWorker(workerID string) error {
	return a.Pool.RespawnWorker(workerID)
}

func (a *PoolAdapter) ExtendDeadline(workerID, _ string, extension time.Duration) error {
	return a.Pool.ExtendDeadline(workerID, extension)
}

func (a *PoolAdapter) EscalateCritical(esc Escalation) error {
	a.Bus.Emit("critical_escalation", events.Payload{
		"workerId": esc.WorkerID,
		"issueId":  esc.IssueID,
		"level":    esc.Level,
		"attempts": esc.Attempts,
		"reason":   esc.Reason,
	})
	return nil
}

func (a *PoolAdapter) PausePipeline(reason string) error {
	a.Bus.Emit("pipeline_paused", events.Payload{"reason": reason})
	return nil
}
