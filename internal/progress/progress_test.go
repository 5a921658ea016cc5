package progress

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/controller/internal/events"
	"github.com/taskctl/controller/internal/health"
	"github.com/taskctl/controller/internal/pool"
)

func reportPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "progress_report")
}

func TestMonitor_DeriveMetricsCountsByStatus(t *testing.T) {
	workers := []pool.Worker{
		{ID: "worker-1", Status: pool.WorkerWorking},
		{ID: "worker-2", Status: pool.WorkerIdle},
		{ID: "worker-3", Status: pool.WorkerError},
	}
	m := New(Config{ReportPath: reportPath(t)}, nil, 0,
		func() []pool.Worker { return workers },
		func() (int, int) { return 2, 10 },
		nil, nil)

	met := m.Tick()
	assert.Equal(t, 1, met.InProgress)
	assert.Equal(t, 2, met.Pending)
	assert.Equal(t, 1, met.Blocked)
}

func TestMonitor_RecordCompletionUpdatesCounters(t *testing.T) {
	m := New(Config{ReportPath: reportPath(t)}, nil, 10, nil, nil, nil, nil)

	m.RecordCompletion("issue-1", "worker-1", time.Now().Add(-100*time.Millisecond), true)
	m.RecordCompletion("issue-2", "worker-1", time.Now().Add(-50*time.Millisecond), false)

	met := m.Tick()
	assert.Equal(t, 1, met.Completed)
	assert.Equal(t, 1, met.Failed)
	assert.Equal(t, 10, met.TotalIssues)
	assert.InDelta(t, 10, met.Percentage, 0.01)
	assert.Greater(t, met.AverageCompletionTime, 0.0)
}

func TestMonitor_PercentageInferredWhenTotalUnknown(t *testing.T) {
	workers := []pool.Worker{{ID: "worker-1", Status: pool.WorkerIdle}}
	m := New(Config{ReportPath: reportPath(t)}, nil, 0,
		func() []pool.Worker { return workers },
		func() (int, int) { return 0, 10 },
		nil, nil)

	m.RecordCompletion("issue-1", "worker-1", time.Now(), true)
	met := m.Tick()
	assert.InDelta(t, 100, met.Percentage, 0.01)
}

func TestMonitor_ETAComputedWhenAverageAndRemainingKnown(t *testing.T) {
	workers := []pool.Worker{{ID: "worker-1", Status: pool.WorkerWorking}}
	m := New(Config{ReportPath: reportPath(t)}, nil, 4,
		func() []pool.Worker { return workers },
		func() (int, int) { return 0, 10 },
		nil, nil)

	m.RecordCompletion("issue-1", "worker-1", time.Now().Add(-1*time.Second), true)
	met := m.Tick()
	require.NotNil(t, met.ETA)
	assert.True(t, met.ETA.After(time.Now()))
}

func TestMonitor_StuckWorkerBottleneckDetectedAndResolved(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	workers := []pool.Worker{{ID: "worker-1", Status: pool.WorkerWorking, StartedAt: &started}}
	var got []events.Payload
	bus := events.New(nil)
	bus.Subscribe(func(kind string, p events.Payload) {
		if kind == "bottleneck_detected" || kind == "bottleneck_resolved" {
			got = append(got, events.Payload{"kind": kind, "type": p["type"]})
		}
	})

	cfg := Config{ReportPath: reportPath(t), StuckThreshold: time.Minute, CriticalThreshold: 2 * time.Hour}
	m := New(cfg, bus, 0, func() []pool.Worker { return workers }, func() (int, int) { return 0, 10 }, nil, nil)

	m.Tick()
	require.Len(t, got, 1)
	assert.Equal(t, "bottleneck_detected", got[0]["kind"])
	assert.Equal(t, "stuck_worker", got[0]["type"])

	workers[0].Status = pool.WorkerIdle
	workers[0].StartedAt = nil
	m.Tick()
	require.Len(t, got, 2)
	assert.Equal(t, "bottleneck_resolved", got[1]["kind"])
}

func TestMonitor_BlockedChainBottleneck(t *testing.T) {
	workers := []pool.Worker{{ID: "worker-1", Status: pool.WorkerIdle}}
	var kinds []string
	bus := events.New(nil)
	bus.Subscribe(func(kind string, p events.Payload) {
		if kind == "bottleneck_detected" {
			kinds = append(kinds, p["type"].(string))
		}
	})
	m := New(Config{ReportPath: reportPath(t)}, bus, 0,
		func() []pool.Worker { return workers },
		func() (int, int) { return 3, 10 },
		nil, nil)

	m.Tick()
	assert.Contains(t, kinds, "blocked_chain")
}

func TestMonitor_MilestonesFireOncePerThreshold(t *testing.T) {
	var milestones []int
	bus := events.New(nil)
	bus.Subscribe(func(kind string, p events.Payload) {
		if kind == "milestone_reached" {
			milestones = append(milestones, p["percentage"].(int))
		}
	})
	m := New(Config{ReportPath: reportPath(t)}, bus, 4, nil, nil, nil, nil)

	m.RecordCompletion("issue-1", "worker-1", time.Now(), true)
	m.Tick()
	assert.Contains(t, milestones, 25)

	m.Tick() // same percentage again: must not re-fire
	assert.Len(t, milestones, 1)

	m.RecordCompletion("issue-2", "worker-1", time.Now(), true)
	m.RecordCompletion("issue-3", "worker-1", time.Now(), true)
	m.RecordCompletion("issue-4", "worker-1", time.Now(), true)
	m.Tick()
	assert.Contains(t, milestones, 100)
}

func TestMonitor_AllCompletedFiresAtFullPercentage(t *testing.T) {
	var allCompleted bool
	bus := events.New(nil)
	bus.Subscribe(func(kind string, p events.Payload) {
		if kind == "all_completed" {
			allCompleted = true
		}
	})
	m := New(Config{ReportPath: reportPath(t)}, bus, 1, nil, nil, nil, nil)
	m.RecordCompletion("issue-1", "worker-1", time.Now(), true)
	m.Tick()
	assert.True(t, allCompleted)
}

func TestMonitor_RecentActivityCappedAndNewestFirst(t *testing.T) {
	m := New(Config{ReportPath: reportPath(t), MaxRecentActivities: 2}, nil, 0, nil, nil, nil, nil)
	m.RecordStarted("issue-1", "worker-1")
	m.RecordStarted("issue-2", "worker-1")
	m.RecordStarted("issue-3", "worker-1")

	acts := m.Activities()
	require.Len(t, acts, 2)
	assert.Equal(t, "issue-3", acts[0].IssueID)
	assert.Equal(t, "issue-2", acts[1].IssueID)
}

func TestMonitor_TickPersistsJSONAndMarkdownReports(t *testing.T) {
	path := reportPath(t)
	m := New(Config{ReportPath: path}, nil, 2, nil, nil, nil, nil)
	m.RecordCompletion("issue-1", "worker-1", time.Now(), true)
	m.Tick()

	jsonData, err := os.ReadFile(path + ".json")
	require.NoError(t, err)
	var decoded struct {
		Metrics Metrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(jsonData, &decoded))
	assert.Equal(t, 1, decoded.Metrics.Completed)

	mdData, err := os.ReadFile(path + ".md")
	require.NoError(t, err)
	md := string(mdData)
	assert.Contains(t, md, "## Summary")
	assert.Contains(t, md, "## Workers")
	assert.Contains(t, md, "## Recent Activity")
}

func TestMonitor_MarkdownIncludesWorkerHealthWhenViewProvided(t *testing.T) {
	path := reportPath(t)
	m := New(Config{ReportPath: path}, nil, 0, nil, nil,
		func() []health.WorkerState {
			return []health.WorkerState{{WorkerID: "worker-1", Status: health.StatusDegraded, MissedHeartbeats: 2}}
		}, nil)

	m.Tick()

	mdData, err := os.ReadFile(path + ".md")
	require.NoError(t, err)
	md := string(mdData)
	assert.Contains(t, md, "## Worker Health")
	assert.Contains(t, md, "worker-1: degraded")

	// Order: Summary, Workers, Worker Health, Bottlenecks, Recent Activity.
	assert.Less(t, strings.Index(md, "## Workers"), strings.Index(md, "## Worker Health"))
	assert.Less(t, strings.Index(md, "## Worker Health"), strings.Index(md, "## Recent Activity"))
}

func TestMonitor_MarkdownOmitsWorkerHealthWhenNoView(t *testing.T) {
	path := reportPath(t)
	m := New(Config{ReportPath: path}, nil, 0, nil, nil, nil, nil)
	m.Tick()

	mdData, err := os.ReadFile(path + ".md")
	require.NoError(t, err)
	assert.NotContains(t, string(mdData), "## Worker Health")
}

func TestMonitor_StartStopRunsOnCadence(t *testing.T) {
	m := New(Config{ReportPath: reportPath(t), PollingInterval: 5 * time.Millisecond}, nil, 0, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.False(t, m.Metrics().SampledAt.IsZero())
}
