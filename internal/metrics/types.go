package metrics

import "time"

// Config controls what the collector registers and retains.
type Config struct {
	Enabled              bool
	MaxCompletionRecords int
	HistogramBuckets     []float64 // task duration buckets, milliseconds
	MetricsPrefix        string
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxCompletionRecords: 1000,
		HistogramBuckets:     defaultBuckets(),
		MetricsPrefix:        "worker_pool",
	}
}

// defaultBuckets spans spec.md's 100ms..600000ms range.
func defaultBuckets() []float64 {
	return []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000, 600000}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxCompletionRecords == 0 {
		c.MaxCompletionRecords = d.MaxCompletionRecords
	}
	if len(c.HistogramBuckets) == 0 {
		c.HistogramBuckets = d.HistogramBuckets
	}
	if c.MetricsPrefix == "" {
		c.MetricsPrefix = d.MetricsPrefix
	}
}

// CompletionRecord is one retained task-completion sample.
type CompletionRecord struct {
	IssueID    string    `json:"issueId"`
	WorkerID   string    `json:"workerId,omitempty"`
	DurationMs float64   `json:"durationMs"`
	Success    bool      `json:"success"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Snapshot is a point-in-time bundle of derived statistics.
type Snapshot struct {
	Utilization      float64            `json:"utilization"`
	QueueDepth       int                `json:"queueDepth"`
	QueueRatio       float64            `json:"queueRatio"`
	DeadLetterSize   int                `json:"deadLetterSize"`
	BackpressureOn   bool               `json:"backpressureOn"`
	Completed        int                `json:"completed"`
	Failed           int                `json:"failed"`
	SuccessRate      float64            `json:"successRate"`
	AvgDurationMs    float64            `json:"avgDurationMs"`
	MinDurationMs    float64            `json:"minDurationMs"`
	MaxDurationMs    float64            `json:"maxDurationMs"`
	P50DurationMs    float64            `json:"p50DurationMs"`
	P95DurationMs    float64            `json:"p95DurationMs"`
	P99DurationMs    float64            `json:"p99DurationMs"`
	RecentRecords    []CompletionRecord `json:"recentRecords"`
	WorkerCompletion map[string]int     `json:"workerCompletion"`
}
