// Package workeradapter is a reference implementation of the opaque
// worker adapter spec.md places out of scope for the Controller core: it
// simulates executing a work order (a sleep proportional to the issue's
// effort, plus a configurable failure rate) and reports heartbeats while
// doing so. Production deployments replace this with whatever actually
// performs the work; the core only depends on the pool.Executor shape.
package workeradapter

import (
	"context"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controller/internal/health"
	"github.com/taskctl/controller/internal/pool"
)

// HeartbeatFunc reports a worker's liveness. The controller wires this to
// health.Monitor.RecordHeartbeat.
type HeartbeatFunc func(workerID string, hb health.Heartbeat)

// Config controls the simulated work duration and outcome.
type Config struct {
	// EffortUnit is wall-clock time simulated per effort-hour. A 4h issue
	// with EffortUnit=250ms runs for 1s.
	EffortUnit time.Duration
	// MinDuration floors the simulated run time for zero/unknown effort.
	MinDuration time.Duration
	// FailureRate is the probability, in [0,1], that a work order is
	// reported as failed rather than completed.
	FailureRate float64
	// HeartbeatInterval is how often a heartbeat is reported during
	// execution.
	HeartbeatInterval time.Duration
	// SampleProcess samples this process's own RSS/CPU for each
	// heartbeat via health.ProcessHeartbeatSource. When false, heartbeats
	// report zero usage.
	SampleProcess bool
}

// DefaultConfig returns reasonable demo defaults: fast, mostly-successful
// simulated work.
func DefaultConfig() Config {
	return Config{
		EffortUnit:        250 * time.Millisecond,
		MinDuration:       100 * time.Millisecond,
		FailureRate:       0.05,
		HeartbeatInterval: 2 * time.Second,
		SampleProcess:     true,
	}
}

// Adapter is a demo pool.Executor: it "runs" a work order by sleeping and
// reports simulated or sampled heartbeats along the way.
type Adapter struct {
	cfg         Config
	onHeartbeat HeartbeatFunc
	log         *zap.SugaredLogger
	rng         *rand.Rand
	pid         int32
}

// New builds an Adapter. onHeartbeat may be nil to discard heartbeats.
func New(cfg Config, onHeartbeat HeartbeatFunc, log *zap.SugaredLogger) *Adapter {
	if cfg.EffortUnit == 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Adapter{
		cfg:         cfg,
		onHeartbeat: onHeartbeat,
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		pid:         int32(os.Getpid()),
	}
}

// Execute simulates running order on workerID until completion, failure,
// or ctx cancellation, emitting heartbeats on the configured interval.
func (a *Adapter) Execute(ctx context.Context, workerID string, order pool.WorkOrder) pool.WorkResult {
	duration := a.simulatedDuration(order)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	a.beat(workerID)
	for {
		select {
		case <-ctx.Done():
			return pool.WorkResult{OrderID: order.ID, Success: false, Error: ctx.Err().Error()}
		case <-ticker.C:
			a.beat(workerID)
		case <-deadline.C:
			success := a.rng.Float64() >= a.cfg.FailureRate
			result := pool.WorkResult{OrderID: order.ID, Success: success}
			if !success {
				result.Error = "simulated failure"
			}
			return result
		}
	}
}

func (a *Adapter) simulatedDuration(order pool.WorkOrder) time.Duration {
	effort, _ := order.Context["effort"].(float64)
	d := time.Duration(effort * float64(a.cfg.EffortUnit))
	if d < a.cfg.MinDuration {
		d = a.cfg.MinDuration
	}
	return d
}

func (a *Adapter) beat(workerID string) {
	if a.onHeartbeat == nil {
		return
	}
	if a.cfg.SampleProcess {
		hb, err := health.ProcessHeartbeatSource(a.pid)
		if err == nil {
			a.onHeartbeat(workerID, hb)
			return
		}
		a.log.Debugw("process heartbeat sampling failed, reporting zero usage", "error", err)
	}
	a.onHeartbeat(workerID, health.Heartbeat{Timestamp: time.Now()})
}
