package stuck

import "time"

// Level is a worker's stuck-duration escalation level.
type Level string

const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelStuck    Level = "stuck"
	LevelCritical Level = "critical"
)

// Thresholds are the duration boundaries that derive a Level.
type Thresholds struct {
	Warning  time.Duration
	Stuck    time.Duration
	Critical time.Duration
}

// DefaultThresholds returns spec.md's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  3 * time.Minute,
		Stuck:    5 * time.Minute,
		Critical: 10 * time.Minute,
	}
}

func level(d time.Duration, th Thresholds) Level {
	switch {
	case d >= th.Critical:
		return LevelCritical
	case d >= th.Stuck:
		return LevelStuck
	case d >= th.Warning:
		return LevelWarning
	default:
		return LevelNone
	}
}

// Config controls per-task-type thresholds and recovery behavior.
type Config struct {
	Default              Thresholds
	Overrides            map[string]Thresholds
	AutoRecoveryEnabled  bool
	MaxRecoveryAttempts  int
	DeadlineExtension    time.Duration
	PauseOnCritical      bool
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		Default:             DefaultThresholds(),
		AutoRecoveryEnabled: true,
		MaxRecoveryAttempts: 3,
		DeadlineExtension:   60 * time.Second,
		PauseOnCritical:     false,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Default == (Thresholds{}) {
		c.Default = d.Default
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if c.DeadlineExtension == 0 {
		c.DeadlineExtension = d.DeadlineExtension
	}
}

func (c Config) thresholdsFor(taskType string) Thresholds {
	if th, ok := c.Overrides[taskType]; ok {
		return th
	}
	return c.Default
}

// WorkerObservation is one tick's snapshot of a running worker, supplied
// by the caller (normally read from the pool).
type WorkerObservation struct {
	WorkerID      string
	IssueID       string
	TaskType      string
	Duration      time.Duration
	PriorityScore float64
}

// RecoveryAttempt records one recovery action taken against a worker.
type RecoveryAttempt struct {
	WorkerID      string
	IssueID       string
	AttemptNumber int
	Action        string
	Success       bool
	Error         string
}

type workerState struct {
	lastLevel         Level
	stuckAttempts     int
	criticalAttempts  int
	warningFired      bool
	escalatedCritical bool
}
