package stuck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/recovery"
)

type fakeCapability struct {
	extended    []string
	reassigned  []string
	restarted   []string
	escalations []recovery.Escalation
	paused      []string
}

func (f *fakeCapability) ReassignTask(issueID string, _ float64) error {
	f.reassigned = append(f.reassigned, issueID)
	return nil
}
func (f *fakeCapability) RestartWorker(workerID string) error {
	f.restarted = append(f.restarted, workerID)
	return nil
}
func (f *fakeCapability) ExtendDeadline(workerID, _ string, _ time.Duration) error {
	f.extended = append(f.extended, workerID)
	return nil
}
func (f *fakeCapability) EscalateCritical(esc recovery.Escalation) error {
	f.escalations = append(f.escalations, esc)
	return nil
}
func (f *fakeCapability) PausePipeline(reason string) error {
	f.paused = append(f.paused, reason)
	return nil
}

func cfg() Config {
	return Config{
		Default: Thresholds{
			Warning:  60 * time.Second,
			Stuck:    120 * time.Second,
			Critical: 300 * time.Second,
		},
		AutoRecoveryEnabled: true,
		MaxRecoveryAttempts: 3,
		DeadlineExtension:   60 * time.Second,
	}
}

func TestStuck_S6Progression(t *testing.T) {
	cap := &fakeCapability{}
	var kinds []string
	bus := events.New(nil)
	bus.Subscribe(func(kind string, _ events.Payload) { kinds = append(kinds, kind) })

	h := New(cfg(), bus, cap, nil)

	// 65s: warning, send_warning.
	h.Tick([]WorkerObservation{{WorkerID: "worker-1", IssueID: "issue-1", Duration: 65 * time.Second}})
	assert.Equal(t, LevelWarning, h.Level("worker-1"))
	assert.Contains(t, kinds, "worker_warning")

	// 125s: stuck, attempt 0 -> extend_deadline.
	h.Tick([]WorkerObservation{{WorkerID: "worker-1", IssueID: "issue-1", Duration: 125 * time.Second}})
	assert.Equal(t, LevelStuck, h.Level("worker-1"))
	assert.Equal(t, []string{"worker-1"}, cap.extended)

	// Extension resets duration below warning threshold -> level drops to none.
	h.Tick([]WorkerObservation{{WorkerID: "worker-1", IssueID: "issue-1", Duration: 5 * time.Second}})
	assert.Equal(t, LevelNone, h.Level("worker-1"))

	// Stuck again (second time) -> attempt 1 -> reassign_task.
	h.Tick([]WorkerObservation{{WorkerID: "worker-1", IssueID: "issue-1", Duration: 125 * time.Second}})
	assert.Equal(t, []string{"issue-1"}, cap.reassigned)

	attempts := h.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, "send_warning", attempts[0].Action)
	assert.Equal(t, "extend_deadline", attempts[1].Action)
	assert.Equal(t, 0, attempts[1].AttemptNumber)
	assert.Equal(t, "reassign_task", attempts[2].Action)
	assert.Equal(t, 1, attempts[2].AttemptNumber)
}

func TestStuck_CriticalEscalatesOnceAfterMaxRestarts(t *testing.T) {
	cap := &fakeCapability{}
	c := cfg()
	c.MaxRecoveryAttempts = 3
	c.PauseOnCritical = true
	var kinds []string
	bus := events.New(nil)
	bus.Subscribe(func(kind string, _ events.Payload) { kinds = append(kinds, kind) })

	h := New(c, bus, cap, nil)
	workerID := "worker-2"

	// Drive into critical, then bounce out and back in 3 times via duration
	// resets so each re-entry counts as a new critical attempt.
	for i := 0; i < 4; i++ {
		h.Tick([]WorkerObservation{{WorkerID: workerID, IssueID: "issue-9", Duration: 310 * time.Second}})
		h.Tick([]WorkerObservation{{WorkerID: workerID, IssueID: "issue-9", Duration: 5 * time.Second}})
	}

	assert.Len(t, cap.restarted, 3)
	require.Len(t, cap.escalations, 1, "critical_escalation must fire exactly once")
	assert.Equal(t, 1, countOccurrences(kinds, "critical_escalation"))
	assert.Len(t, cap.paused, 1)
}

func countOccurrences(items []string, target string) int {
	n := 0
	for _, it := range items {
		if it == target {
			n++
		}
	}
	return n
}
