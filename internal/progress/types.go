package progress

import (
	"time"

	"github.com/taskctl/controller/internal/health"
	"github.com/taskctl/controller/internal/pool"
)

// PoolView returns a point-in-time copy of every worker, so the monitor
// never holds a handle into the pool's mutable state.
type PoolView func() []pool.Worker

// QueueView returns the bounded queue's current size and configured max.
type QueueView func() (size, maxSize int)

// HealthView returns a copy of every tracked worker's health state. It may
// be nil, in which case the report omits the Worker Health section.
// Bottleneck detection does not use it.
type HealthView func() []health.WorkerState

// ActivityType categorizes one entry in the recent-activity deque.
type ActivityType string

const (
	ActivityCompleted ActivityType = "completed"
	ActivityStarted   ActivityType = "started"
	ActivityFailed    ActivityType = "failed"
	ActivityBlocked   ActivityType = "blocked"
)

// Activity is one recent-activity deque entry.
type Activity struct {
	Timestamp time.Time    `json:"timestamp"`
	Type      ActivityType `json:"type"`
	IssueID   string       `json:"issueId"`
	WorkerID  string       `json:"workerId,omitempty"`
	Details   string       `json:"details,omitempty"`
}

// BottleneckType names the condition a bottleneck was raised for.
type BottleneckType string

const (
	BottleneckStuckWorker        BottleneckType = "stuck_worker"
	BottleneckBlockedChain       BottleneckType = "blocked_chain"
	BottleneckResourceContention BottleneckType = "resource_contention"
)

// Bottleneck is one currently-active condition, tracked so resolution can
// be detected edge-triggered.
type Bottleneck struct {
	Type       BottleneckType `json:"type"`
	WorkerID   string         `json:"workerId,omitempty"`
	Severity   int            `json:"severity"`
	DetectedAt time.Time      `json:"detectedAt"`
}

// Metrics is the derived snapshot reported on every tick.
type Metrics struct {
	Completed             int        `json:"completed"`
	Failed                int        `json:"failed"`
	InProgress            int        `json:"inProgress"`
	Pending               int        `json:"pending"`
	Blocked               int        `json:"blocked"`
	TotalIssues           int        `json:"totalIssues,omitempty"`
	Percentage            float64    `json:"percentage"`
	AverageCompletionTime float64    `json:"averageCompletionTimeMs"`
	ETA                   *time.Time `json:"eta,omitempty"`
	SampledAt             time.Time  `json:"sampledAt"`
}

// Config controls sampling cadence, retained history, and report output.
type Config struct {
	PollingInterval     time.Duration `yaml:"polling_interval"`
	MaxRecentActivities int           `yaml:"max_recent_activities"`
	ReportPath          string        `yaml:"report_path"`
	EnableNotifications bool          `yaml:"enable_notifications"`
	StuckThreshold      time.Duration `yaml:"stuck_threshold"`
	CriticalThreshold   time.Duration `yaml:"critical_threshold"`
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		PollingInterval:     30 * time.Second,
		MaxRecentActivities: 50,
		ReportPath:          "progress_report",
		EnableNotifications: true,
		StuckThreshold:      5 * time.Minute,
		CriticalThreshold:   10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollingInterval == 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.MaxRecentActivities == 0 {
		c.MaxRecentActivities = d.MaxRecentActivities
	}
	if c.ReportPath == "" {
		c.ReportPath = d.ReportPath
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
}
