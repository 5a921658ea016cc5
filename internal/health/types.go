package health

import "time"

// Status is a worker's position in the health state machine.
type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	StatusZombie     Status = "zombie"
	StatusRestarting Status = "restarting"
)

// Heartbeat is what a worker adapter reports on each liveness ping.
type Heartbeat struct {
	MemoryUsage uint64
	CPUUsage    float64
	Timestamp   time.Time
}

// WorkerState is the observable health state of one tracked worker.
type WorkerState struct {
	WorkerID         string
	Status           Status
	LastHeartbeat    time.Time
	HasHeartbeat     bool
	MissedHeartbeats int
	RestartCount     int
	LastRestartAt    time.Time
	LastMemoryUsage  uint64
	LastCPUUsage     float64
}

// Config controls tick cadence and the health state machine's thresholds.
type Config struct {
	HeartbeatInterval        time.Duration
	HealthCheckInterval      time.Duration
	MissedHeartbeatThreshold int
	MemoryThresholdBytes     uint64
	MaxRestarts              int
	RestartCooldown          time.Duration
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:        10 * time.Second,
		HealthCheckInterval:      30 * time.Second,
		MissedHeartbeatThreshold: 3,
		MemoryThresholdBytes:     1 << 30,
		MaxRestarts:              3,
		RestartCooldown:          60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.MissedHeartbeatThreshold == 0 {
		c.MissedHeartbeatThreshold = d.MissedHeartbeatThreshold
	}
	if c.MemoryThresholdBytes == 0 {
		c.MemoryThresholdBytes = d.MemoryThresholdBytes
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = d.MaxRestarts
	}
	if c.RestartCooldown == 0 {
		c.RestartCooldown = d.RestartCooldown
	}
}
