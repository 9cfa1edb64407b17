// Package config loads the JSON configuration for a jobforge process,
// following the teacher's config.LoadConfig shape: open, decode, default,
// validate, never exit on error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TopicConfig is the JSON shape for one topic's queue and worker pool
// settings (spec §3 Topic plus §4.2 worker pool knobs).
type TopicConfig struct {
	Name                 string        `json:"name"`
	Concurrency          int           `json:"concurrency"`
	DefaultMaxAttempts   int           `json:"default_max_attempts"`
	BackoffKind          string        `json:"backoff_kind"` // "fixed" or "exponential"
	BackoffBase          time.Duration `json:"backoff_base"`
	BackoffCap           time.Duration `json:"backoff_cap"`
	RetainCompleted      int           `json:"retain_completed"`
	RetainFailed         int           `json:"retain_failed"`
	VisibilityTimeout    time.Duration `json:"visibility_timeout"`
	MemoryRequirement    int64         `json:"memory_requirement"`
	CPUWeight            float64       `json:"cpu_weight"`
	InitialWorkers       int           `json:"initial_workers"`
	MaxWorkers           int           `json:"max_workers"`
	MemoryThresholdBytes int64         `json:"memory_threshold_bytes"`
	BreakerMaxFailures   int64         `json:"breaker_max_failures"`
	BreakerTimeoutSec    int64         `json:"breaker_timeout_seconds"`
}

// ResourceConfig configures one topic's admission/autoscale advisor
// (spec §4.4).
type ResourceConfig struct {
	MaxConcurrentJobs      int     `json:"max_concurrent_jobs"`
	MemoryBudgetBytes      int64   `json:"memory_budget_bytes"`
	CPUThreshold           float64 `json:"cpu_threshold"`
	AutoscaleIntervalMs    int     `json:"autoscale_interval_ms"`
	Policy                 string  `json:"policy"` // aggressive, conservative, manual
	AdmissionRatePerSecond int     `json:"admission_rate_per_second"`
}

// SchedulerConfig configures the C6 scheduler's lazy-start manager.
type SchedulerConfig struct {
	StorePath        string        `json:"store_path"`
	CheckInterval    time.Duration `json:"check_interval"`
	LockTTL          time.Duration `json:"lock_ttl"`
	RetainHistory    int           `json:"retain_history"`
	ShutdownDelay    time.Duration `json:"shutdown_delay"`
}

// CacheConfig configures the layered C1 cache.
type CacheConfig struct {
	MemoryMaxEntries int    `json:"memory_max_entries"`
	MemoryMaxBytes   int64  `json:"memory_max_bytes"`
	BoltPath         string `json:"bolt_path"`
}

// BalancerConfig configures the C7 load balancer.
type BalancerConfig struct {
	Algorithm             string        `json:"algorithm"` // round_robin, weighted, least_conn, ip_hash
	ProbeInterval         time.Duration `json:"probe_interval"`
	UnhealthyThresholdMs  int           `json:"unhealthy_threshold_ms"`
}

// CompressionConfig configures the C8 compression helper.
type CompressionConfig struct {
	Threshold int  `json:"threshold"`
	UseCache  bool `json:"use_cache"`
}

// LogConfig mirrors the teacher's LogConfig shape.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// MetricsConfig mirrors the teacher's MetricsConfig shape.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// AppConfig is the root configuration document for cmd/jobforge.
type AppConfig struct {
	Topics      []TopicConfig             `json:"topics"`
	Resources   map[string]ResourceConfig `json:"resources"` // keyed by topic name
	Scheduler   SchedulerConfig           `json:"scheduler"`
	Cache       CacheConfig               `json:"cache"`
	Balancer    BalancerConfig            `json:"balancer"`
	Compression CompressionConfig         `json:"compression"`
	Log         LogConfig                 `json:"log"`
	Metrics     MetricsConfig             `json:"metrics"`
}

// LoadConfig reads JSON config from disk and returns a parsed AppConfig.
// It never terminates the process; callers handle returned errors.
func LoadConfig(path string) (*AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Printf("warning: failed to close config file: %v\n", closeErr)
		}
	}()

	var cfg AppConfig
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config JSON: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *AppConfig) setDefaults() {
	for i := range c.Topics {
		t := &c.Topics[i]
		if t.Concurrency == 0 {
			t.Concurrency = 1
		}
		if t.DefaultMaxAttempts == 0 {
			t.DefaultMaxAttempts = 3
		}
		if t.BackoffKind == "" {
			t.BackoffKind = "fixed"
		}
		if t.VisibilityTimeout == 0 {
			t.VisibilityTimeout = 30 * time.Second
		}
		if t.InitialWorkers == 0 {
			t.InitialWorkers = 1
		}
		if t.MaxWorkers == 0 {
			t.MaxWorkers = t.InitialWorkers
		}
		if t.BreakerMaxFailures == 0 {
			t.BreakerMaxFailures = 5
		}
		if t.BreakerTimeoutSec == 0 {
			t.BreakerTimeoutSec = 30
		}
	}

	if c.Resources == nil {
		c.Resources = make(map[string]ResourceConfig)
	}
	for name, r := range c.Resources {
		if r.MaxConcurrentJobs == 0 {
			r.MaxConcurrentJobs = 10
		}
		if r.CPUThreshold == 0 {
			r.CPUThreshold = 0.8
		}
		if r.AutoscaleIntervalMs == 0 {
			r.AutoscaleIntervalMs = 5000
		}
		if r.Policy == "" {
			r.Policy = "conservative"
		}
		c.Resources[name] = r
	}

	if c.Scheduler.StorePath == "" {
		c.Scheduler.StorePath = "scheduler.db"
	}
	if c.Scheduler.CheckInterval == 0 {
		c.Scheduler.CheckInterval = time.Second
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = 2 * c.Scheduler.CheckInterval
	}
	if c.Scheduler.ShutdownDelay == 0 {
		c.Scheduler.ShutdownDelay = 5 * time.Minute
	}

	if c.Cache.MemoryMaxEntries == 0 {
		c.Cache.MemoryMaxEntries = 10000
	}
	if c.Cache.MemoryMaxBytes == 0 {
		c.Cache.MemoryMaxBytes = 64 * 1024 * 1024
	}
	if c.Cache.BoltPath == "" {
		c.Cache.BoltPath = "cache.db"
	}

	if c.Balancer.Algorithm == "" {
		c.Balancer.Algorithm = "round_robin"
	}
	if c.Balancer.ProbeInterval == 0 {
		c.Balancer.ProbeInterval = 30 * time.Second
	}

	if c.Compression.Threshold == 0 {
		c.Compression.Threshold = 256
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 8090
	}
}

func (c *AppConfig) validate() error {
	seen := make(map[string]bool)
	for _, t := range c.Topics {
		if t.Name == "" {
			return fmt.Errorf("topic name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate topic name %q", t.Name)
		}
		seen[t.Name] = true
		if t.Concurrency <= 0 || t.Concurrency > 1000 {
			return fmt.Errorf("topic %q: concurrency must be between 1 and 1000", t.Name)
		}
		if t.BackoffKind != "fixed" && t.BackoffKind != "exponential" {
			return fmt.Errorf("topic %q: backoff_kind must be fixed or exponential", t.Name)
		}
	}

	for name, r := range c.Resources {
		if r.CPUThreshold <= 0 || r.CPUThreshold > 1 {
			return fmt.Errorf("resource %q: cpu_threshold must be in (0, 1]", name)
		}
		switch r.Policy {
		case "aggressive", "conservative", "manual":
		default:
			return fmt.Errorf("resource %q: policy must be aggressive, conservative, or manual", name)
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics port out of range")
	}

	switch c.Balancer.Algorithm {
	case "round_robin", "weighted", "least_conn", "ip_hash":
	default:
		return fmt.Errorf("balancer algorithm must be one of round_robin, weighted, least_conn, ip_hash")
	}

	return nil
}
