// Package config loads the controller daemon's YAML configuration: one
// section per spec.md §6 table (pool, queue, lock, health, stuck,
// progress, metrics, analyzer), following the teacher's DefaultConfig()
// literal plus Load(path) with ${VAR} environment expansion.
package config

import (
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskctl/controller/internal/graph"
	"github.com/taskctl/controller/internal/health"
	"github.com/taskctl/controller/internal/lock"
	"github.com/taskctl/controller/internal/metrics"
	"github.com/taskctl/controller/internal/pool"
	"github.com/taskctl/controller/internal/progress"
	"github.com/taskctl/controller/internal/queue"
	"github.com/taskctl/controller/internal/stuck"
)

// Config is the root of the daemon's YAML configuration.
type Config struct {
	LogFile  string         `yaml:"log_file"`
	Pool     PoolConfig     `yaml:"pool"`
	Queue    QueueConfig    `yaml:"queue"`
	Lock     LockConfig     `yaml:"lock"`
	Health   HealthConfig   `yaml:"health"`
	Stuck    StuckConfig    `yaml:"stuck"`
	Progress ProgressConfig `yaml:"progress"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
}

// PoolConfig mirrors pool.Config (spec.md §6 "pool").
type PoolConfig struct {
	MaxWorkers     int           `yaml:"max_workers"`
	WorkerTimeout  time.Duration `yaml:"worker_timeout"`
	WorkOrdersPath string        `yaml:"work_orders_path"`
}

func (c PoolConfig) toPool() pool.Config {
	return pool.Config{MaxWorkers: c.MaxWorkers, WorkerTimeout: c.WorkerTimeout, WorkOrdersPath: c.WorkOrdersPath}
}

// QueueConfig mirrors queue.Config (spec.md §6 "queue").
type QueueConfig struct {
	MaxSize                int     `yaml:"max_size"`
	SoftLimitRatio         float64 `yaml:"soft_limit_ratio"`
	BackpressureThreshold  float64 `yaml:"backpressure_threshold"`
	MaxMemoryBytes         int64   `yaml:"max_memory_bytes"`
	RejectionPolicy        string  `yaml:"rejection_policy"`
	EnableDeadLetter       bool    `yaml:"enable_dead_letter"`
	MaxDeadLetterSize      int     `yaml:"max_dead_letter_size"`
	MaxBackpressureDelayMs int64   `yaml:"max_backpressure_delay_ms"`
}

func (c QueueConfig) toQueue() queue.Config {
	return queue.Config{
		MaxSize:                c.MaxSize,
		MaxMemoryBytes:         c.MaxMemoryBytes,
		SoftLimitRatio:         c.SoftLimitRatio,
		BackpressureThreshold:  c.BackpressureThreshold,
		RejectionPolicy:        queue.RejectionPolicy(c.RejectionPolicy),
		EnableDeadLetter:       c.EnableDeadLetter,
		MaxDeadLetterSize:      c.MaxDeadLetterSize,
		MaxBackpressureDelayMs: c.MaxBackpressureDelayMs,
	}
}

// LockConfig mirrors lock.Config (spec.md §6 "lock").
type LockConfig struct {
	Enabled            bool          `yaml:"enabled"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	LockRetryAttempts  int           `yaml:"lock_retry_attempts"`
	LockRetryDelay     time.Duration `yaml:"lock_retry_delay_ms"`
	LockStealThreshold time.Duration `yaml:"lock_steal_threshold_ms"`
	HolderIDPrefix     string        `yaml:"holder_id_prefix"`
}

func (c LockConfig) toLock() lock.Config {
	return lock.Config{
		Enabled:        c.Enabled,
		LockTimeout:    c.LockTimeout,
		RetryAttempts:  c.LockRetryAttempts,
		RetryDelay:     c.LockRetryDelay,
		StealThreshold: c.LockStealThreshold,
		HolderIDPrefix: c.HolderIDPrefix,
	}
}

// HealthConfig mirrors health.Config (spec.md §6 "health").
type HealthConfig struct {
	HeartbeatIntervalMs      time.Duration `yaml:"heartbeat_interval_ms"`
	HealthCheckIntervalMs    time.Duration `yaml:"health_check_interval_ms"`
	MissedHeartbeatThreshold int           `yaml:"missed_heartbeat_threshold"`
	MemoryThresholdBytes     uint64        `yaml:"memory_threshold_bytes"`
	MaxRestarts              int           `yaml:"max_restarts"`
	RestartCooldownMs        time.Duration `yaml:"restart_cooldown_ms"`
}

func (c HealthConfig) toHealth() health.Config {
	return health.Config{
		HeartbeatInterval:        c.HeartbeatIntervalMs,
		HealthCheckInterval:      c.HealthCheckIntervalMs,
		MissedHeartbeatThreshold: c.MissedHeartbeatThreshold,
		MemoryThresholdBytes:     c.MemoryThresholdBytes,
		MaxRestarts:              c.MaxRestarts,
		RestartCooldown:          c.RestartCooldownMs,
	}
}

// TaskThresholds is a per-task-type override of the warning/stuck/critical
// triple.
type TaskThresholds struct {
	WarningMs  time.Duration `yaml:"warning_ms"`
	StuckMs    time.Duration `yaml:"stuck_ms"`
	CriticalMs time.Duration `yaml:"critical_ms"`
}

// StuckConfig mirrors stuck.Config (spec.md §6 "stuck").
type StuckConfig struct {
	WarningThresholdMs  time.Duration             `yaml:"warning_threshold_ms"`
	StuckThresholdMs    time.Duration             `yaml:"stuck_threshold_ms"`
	CriticalThresholdMs time.Duration             `yaml:"critical_threshold_ms"`
	Overrides           map[string]TaskThresholds `yaml:"overrides"`
	AutoRecoveryEnabled bool                      `yaml:"auto_recovery_enabled"`
	MaxRecoveryAttempts int                       `yaml:"max_recovery_attempts"`
	DeadlineExtensionMs time.Duration             `yaml:"deadline_extension_ms"`
	PauseOnCritical     bool                      `yaml:"pause_on_critical"`
}

func (c StuckConfig) toStuck() stuck.Config {
	overrides := make(map[string]stuck.Thresholds, len(c.Overrides))
	for taskType, th := range c.Overrides {
		overrides[taskType] = stuck.Thresholds{Warning: th.WarningMs, Stuck: th.StuckMs, Critical: th.CriticalMs}
	}
	cfg := stuck.Config{
		Overrides:           overrides,
		AutoRecoveryEnabled: c.AutoRecoveryEnabled,
		MaxRecoveryAttempts: c.MaxRecoveryAttempts,
		DeadlineExtension:   c.DeadlineExtensionMs,
		PauseOnCritical:     c.PauseOnCritical,
	}
	if c.WarningThresholdMs != 0 || c.StuckThresholdMs != 0 || c.CriticalThresholdMs != 0 {
		cfg.Default = stuck.Thresholds{Warning: c.WarningThresholdMs, Stuck: c.StuckThresholdMs, Critical: c.CriticalThresholdMs}
	}
	return cfg
}

// ProgressConfig mirrors progress.Config (spec.md §6 "progress").
type ProgressConfig struct {
	PollingInterval     time.Duration `yaml:"polling_interval"`
	MaxRecentActivities int           `yaml:"max_recent_activities"`
	ReportPath          string        `yaml:"report_path"`
	EnableNotifications bool          `yaml:"enable_notifications"`
	StuckThresholdMs    int64         `yaml:"stuck_threshold_ms"`
	CriticalThresholdMs int64         `yaml:"critical_threshold_ms"`
}

func (c ProgressConfig) toProgress() progress.Config {
	pc := progress.Config{
		PollingInterval:     c.PollingInterval,
		MaxRecentActivities: c.MaxRecentActivities,
		ReportPath:          c.ReportPath,
		EnableNotifications: c.EnableNotifications,
	}
	if c.StuckThresholdMs > 0 {
		pc.StuckThreshold = time.Duration(c.StuckThresholdMs) * time.Millisecond
	}
	if c.CriticalThresholdMs > 0 {
		pc.CriticalThreshold = time.Duration(c.CriticalThresholdMs) * time.Millisecond
	}
	return pc
}

// MetricsConfig mirrors metrics.Config (spec.md §6 "metrics").
type MetricsConfig struct {
	Enabled              bool      `yaml:"enabled"`
	MaxCompletionRecords int       `yaml:"max_completion_records"`
	HistogramBuckets     []float64 `yaml:"histogram_buckets"`
	MetricsPrefix        string    `yaml:"metrics_prefix"`
}

func (c MetricsConfig) toMetrics() metrics.Config {
	return metrics.Config{
		Enabled:              c.Enabled,
		MaxCompletionRecords: c.MaxCompletionRecords,
		HistogramBuckets:     c.HistogramBuckets,
		MetricsPrefix:        c.MetricsPrefix,
	}
}

// AnalyzerConfig mirrors graph.Weights (spec.md §6 "analyzer").
type AnalyzerConfig struct {
	Weights             map[string]float64 `yaml:"weights"`
	CriticalPathBonus   float64            `yaml:"critical_path_bonus"`
	DependentMultiplier float64            `yaml:"dependent_multiplier"`
	QuickWinBonus       float64            `yaml:"quick_win_bonus"`
	QuickWinThreshold   float64            `yaml:"quick_win_threshold"`
}

func (c AnalyzerConfig) toOptions() graph.Options {
	w := graph.DefaultWeights()
	for priority, value := range c.Weights {
		w.ByPriority[graph.Priority(priority)] = value
	}
	if c.CriticalPathBonus != 0 {
		w.CriticalPathBonus = c.CriticalPathBonus
	}
	if c.DependentMultiplier != 0 {
		w.DependentMultiplier = c.DependentMultiplier
	}
	if c.QuickWinBonus != 0 {
		w.QuickWinBonus = c.QuickWinBonus
	}
	if c.QuickWinThreshold != 0 {
		w.QuickWinThreshold = c.QuickWinThreshold
	}
	return graph.Options{Weights: w}
}

// Built bundles every section resolved into the concrete Config/Options
// type its owning package consumes.
type Built struct {
	Pool     pool.Config
	Queue    queue.Config
	Lock     lock.Config
	Health   health.Config
	Stuck    stuck.Config
	Progress progress.Config
	Metrics  metrics.Config
	Analyzer graph.Options
}

// Build converts every YAML section into the concrete Config type its
// package consumes. Field values are copied as they are; zero-valued
// fields are filled with defaults only by each package's own constructor.
func (c *Config) Build() Built {
	return Built{
		Pool:     c.Pool.toPool(),
		Queue:    c.Queue.toQueue(),
		Lock:     c.Lock.toLock(),
		Health:   c.Health.toHealth(),
		Stuck:    c.Stuck.toStuck(),
		Progress: c.Progress.toProgress(),
		Metrics:  c.Metrics.toMetrics(),
		Analyzer: c.Analyzer.toOptions(),
	}
}

// DefaultConfig returns the spec's documented defaults for every section.
func DefaultConfig() *Config {
	pd := pool.DefaultConfig()
	qd := queue.DefaultConfig()
	ld := lock.DefaultConfig()
	hd := health.DefaultConfig()
	sd := stuck.DefaultConfig()
	prd := progress.DefaultConfig()
	md := metrics.DefaultConfig()

	return &Config{
		Pool: PoolConfig{
			MaxWorkers:     pd.MaxWorkers,
			WorkerTimeout:  pd.WorkerTimeout,
			WorkOrdersPath: pd.WorkOrdersPath,
		},
		Queue: QueueConfig{
			MaxSize:                qd.MaxSize,
			SoftLimitRatio:         qd.SoftLimitRatio,
			BackpressureThreshold:  qd.BackpressureThreshold,
			MaxMemoryBytes:         qd.MaxMemoryBytes,
			RejectionPolicy:        string(qd.RejectionPolicy),
			EnableDeadLetter:       qd.EnableDeadLetter,
			MaxDeadLetterSize:      qd.MaxDeadLetterSize,
			MaxBackpressureDelayMs: qd.MaxBackpressureDelayMs,
		},
		Lock: LockConfig{
			Enabled:            ld.Enabled,
			LockTimeout:        ld.LockTimeout,
			LockRetryAttempts:  ld.RetryAttempts,
			LockRetryDelay:     ld.RetryDelay,
			LockStealThreshold: ld.StealThreshold,
			HolderIDPrefix:     ld.HolderIDPrefix,
		},
		Health: HealthConfig{
			HeartbeatIntervalMs:      hd.HeartbeatInterval,
			HealthCheckIntervalMs:    hd.HealthCheckInterval,
			MissedHeartbeatThreshold: hd.MissedHeartbeatThreshold,
			MemoryThresholdBytes:     hd.MemoryThresholdBytes,
			MaxRestarts:              hd.MaxRestarts,
			RestartCooldownMs:        hd.RestartCooldown,
		},
		Stuck: StuckConfig{
			WarningThresholdMs:  sd.Default.Warning,
			StuckThresholdMs:    sd.Default.Stuck,
			CriticalThresholdMs: sd.Default.Critical,
			AutoRecoveryEnabled: sd.AutoRecoveryEnabled,
			MaxRecoveryAttempts: sd.MaxRecoveryAttempts,
			DeadlineExtensionMs: sd.DeadlineExtension,
			PauseOnCritical:     sd.PauseOnCritical,
		},
		Progress: ProgressConfig{
			PollingInterval:     prd.PollingInterval,
			MaxRecentActivities: prd.MaxRecentActivities,
			ReportPath:          prd.ReportPath,
			EnableNotifications: prd.EnableNotifications,
		},
		Metrics: MetricsConfig{
			Enabled:              md.Enabled,
			MaxCompletionRecords: md.MaxCompletionRecords,
			HistogramBuckets:     md.HistogramBuckets,
			MetricsPrefix:        md.MetricsPrefix,
		},
		Analyzer: AnalyzerConfig{
			CriticalPathBonus:   50,
			DependentMultiplier: 10,
			QuickWinBonus:       15,
			QuickWinThreshold:   4,
		},
	}
}

// Load reads configuration from a YAML file, expanding ${VAR} references
// against the process environment before parsing, same as the teacher's
// loader.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = expandEnvVars(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} patterns with environment variable values.
func expandEnvVars(data []byte) []byte {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(re.FindSubmatch(match)[1])
		return []byte(os.Getenv(varName))
	})
}
