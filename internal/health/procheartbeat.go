package health

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessHeartbeatSource samples real RSS and CPU percent for pid, for
// worker adapters that have no cheaper liveness signal of their own to
// report. It is a convenience for adapters, not something the Monitor
// itself calls.
func ProcessHeartbeatSource(pid int32) (Heartbeat, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Heartbeat{}, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Heartbeat{}, err
	}
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return Heartbeat{}, err
	}
	return Heartbeat{
		MemoryUsage: mem.RSS,
		CPUUsage:    cpuPct,
		Timestamp:   time.Now(),
	}, nil
}
