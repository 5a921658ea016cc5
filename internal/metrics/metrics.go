// Package metrics implements the Metrics Collector: Prometheus-backed
// counters, gauges, and a duration histogram, plus a point-in-time
// Snapshot and text/JSON export (spec.md section 4.8).
package metrics

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector owns a private Prometheus registry so multiple controllers in
// one process never collide on metric names.
type Collector struct {
	mu  sync.Mutex
	cfg Config

	registry *prometheus.Registry

	tasksStarted   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter

	workerStateGauge  *prometheus.GaugeVec
	utilizationGauge  prometheus.Gauge
	queueDepthGauge   prometheus.Gauge
	queueRatioGauge   prometheus.Gauge
	deadLetterGauge   prometheus.Gauge
	backpressureGauge prometheus.Gauge
	durationHistogram prometheus.Histogram
	workerCompletions *prometheus.GaugeVec

	completed, failed int
	records           []CompletionRecord
	workerCounts      map[string]int
}

// New builds a Collector and registers every metric on its own registry.
func New(cfg Config) *Collector {
	cfg.applyDefaults()
	ns := cfg.MetricsPrefix

	c := &Collector{
		cfg:          cfg,
		registry:     prometheus.NewRegistry(),
		workerCounts: make(map[string]int),
	}

	c.tasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "tasks_started_total", Help: "Total tasks started.",
	})
	c.tasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "tasks_completed_total", Help: "Total tasks completed successfully.",
	})
	c.tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "tasks_failed_total", Help: "Total tasks that failed.",
	})
	c.workerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "workers", Help: "Current worker count by state.",
	}, []string{"state"})
	c.utilizationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "utilization_ratio", Help: "Fraction of workers currently working.",
	})
	c.queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "queue_depth", Help: "Current bounded queue size.",
	})
	c.queueRatioGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "queue_ratio", Help: "Queue size divided by its configured max.",
	})
	c.deadLetterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "dead_letter_size", Help: "Current dead-letter queue size.",
	})
	c.backpressureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "backpressure_active", Help: "1 if backpressure is currently active, else 0.",
	})
	c.durationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "task_duration_ms", Help: "Task completion duration in milliseconds.",
		Buckets: cfg.HistogramBuckets,
	})
	c.workerCompletions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "worker_completions_total", Help: "Completed task count per worker.",
	}, []string{"workerId"})

	c.registry.MustRegister(
		c.tasksStarted, c.tasksCompleted, c.tasksFailed,
		c.workerStateGauge, c.utilizationGauge, c.queueDepthGauge, c.queueRatioGauge,
		c.deadLetterGauge, c.backpressureGauge, c.durationHistogram, c.workerCompletions,
	)
	return c
}

// RecordTaskStarted increments the started counter.
func (c *Collector) RecordTaskStarted() {
	c.tasksStarted.Inc()
}

// RecordTaskCompletion records a finished task: its duration, outcome,
// and per-worker attribution.
func (c *Collector) RecordTaskCompletion(rec CompletionRecord) {
	if rec.Success {
		c.tasksCompleted.Inc()
	} else {
		c.tasksFailed.Inc()
	}
	c.durationHistogram.Observe(rec.DurationMs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.Success {
		c.completed++
	} else {
		c.failed++
	}
	c.records = append(c.records, rec)
	if len(c.records) > c.cfg.MaxCompletionRecords {
		c.records = c.records[len(c.records)-c.cfg.MaxCompletionRecords:]
	}
	if rec.WorkerID != "" && rec.Success {
		c.workerCounts[rec.WorkerID]++
		c.workerCompletions.WithLabelValues(rec.WorkerID).Set(float64(c.workerCounts[rec.WorkerID]))
	}
}

// SetWorkerCounts updates the per-state worker gauges and derived
// utilization ratio.
func (c *Collector) SetWorkerCounts(idle, working, errored int) {
	c.workerStateGauge.WithLabelValues("idle").Set(float64(idle))
	c.workerStateGauge.WithLabelValues("working").Set(float64(working))
	c.workerStateGauge.WithLabelValues("error").Set(float64(errored))
	total := idle + working + errored
	if total > 0 {
		c.utilizationGauge.Set(float64(working) / float64(total))
	} else {
		c.utilizationGauge.Set(0)
	}
}

// SetQueueDepth updates the queue-depth gauge and its ratio to maxSize.
func (c *Collector) SetQueueDepth(depth, maxSize int) {
	c.queueDepthGauge.Set(float64(depth))
	if maxSize > 0 {
		c.queueRatioGauge.Set(float64(depth) / float64(maxSize))
	}
}

// SetDeadLetterSize updates the dead-letter gauge.
func (c *Collector) SetDeadLetterSize(n int) {
	c.deadLetterGauge.Set(float64(n))
}

// SetBackpressureActive updates the backpressure flag gauge.
func (c *Collector) SetBackpressureActive(active bool) {
	if active {
		c.backpressureGauge.Set(1)
	} else {
		c.backpressureGauge.Set(0)
	}
}

// Snapshot returns a point-in-time bundle of derived statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Completed:        c.completed,
		Failed:           c.failed,
		WorkerCompletion: make(map[string]int, len(c.workerCounts)),
	}
	for id, n := range c.workerCounts {
		snap.WorkerCompletion[id] = n
	}
	snap.RecentRecords = make([]CompletionRecord, len(c.records))
	copy(snap.RecentRecords, c.records)

	total := c.completed + c.failed
	if total > 0 {
		snap.SuccessRate = float64(c.completed) / float64(total)
	}

	durations := make([]float64, 0, len(c.records))
	for _, r := range c.records {
		durations = append(durations, r.DurationMs)
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		snap.AvgDurationMs = sum / float64(len(durations))
		snap.MinDurationMs = durations[0]
		snap.MaxDurationMs = durations[len(durations)-1]
		snap.P50DurationMs = percentile(durations, 50)
		snap.P95DurationMs = percentile(durations, 95)
		snap.P99DurationMs = percentile(durations, 99)
	}

	return snap
}

// percentile linearly interpolates the p-th percentile of an
// already-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// ExportPrometheus renders every registered metric in Prometheus text
// exposition format (HELP/TYPE lines, one sample per gauge/counter,
// `_bucket`/`_sum`/`_count` lines with a +Inf bucket for the histogram).
func (c *Collector) ExportPrometheus() (string, error) {
	return c.export(expfmt.NewFormat(expfmt.TypeTextPlain))
}

// ExportOpenMetrics renders the same metrics in OpenMetrics text format.
func (c *Collector) ExportOpenMetrics() (string, error) {
	return c.export(expfmt.NewFormat(expfmt.TypeOpenMetrics))
}

func (c *Collector) export(format expfmt.Format) (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		if err := closer.Close(); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// ExportJSON renders the current Snapshot as JSON.
func (c *Collector) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(), "", "  ")
}
