package config

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DefaultTenantName string          `json:"defaultTenantName"`
	AllowAutoCreate   bool            `json:"allowAutoCreateTenants"`
	Scheduler         SchedulerConfig `json:"scheduler"`
	Merge             MergeConfig     `json:"merge"`
	Events            EventsConfig    `json:"events"`
	MetricsListenAddr string          `json:"metricsListenAddr"`
	QueueDefaults     QueueDefaults   `json:"queueDefaults"`
}

// SchedulerConfig tunes the release scheduler loop.
type SchedulerConfig struct {
	// TickInterval is the period between scans of active queues.
	TickInterval time.Duration `json:"tickIntervalMs"`
	// Workers bounds how many queues are evaluated concurrently per tick.
	Workers int `json:"workers"`
}

// MergeConfig tunes the merge worker.
type MergeConfig struct {
	// BatchSize is the number of waiting sessions moved per batch.
	BatchSize int `json:"batchSize"`
	// Interval is the pause between batches of one operation.
	Interval time.Duration `json:"intervalMs"`
}

// EventsConfig configures the event pipeline.
type EventsConfig struct {
	// RetainPerTenant bounds the event log; older events are trimmed.
	RetainPerTenant int `json:"retainPerTenant"`
	// RedisAddr enables a redis pub/sub sink when non-empty.
	RedisAddr string `json:"redisAddr"`
	// RedisChannel is the channel events are published to.
	RedisChannel string `json:"redisChannel"`
}

// QueueDefaults captures baseline limits for newly created queues.
type QueueDefaults struct {
	ReleaseRatePerMinute int `json:"releaseRatePerMinute"`
	MaxConcurrentUsers   int `json:"maxConcurrentUsers"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DefaultTenantName: "default",
		AllowAutoCreate:   true,
		Scheduler: SchedulerConfig{
			TickInterval: 60 * time.Second,
			Workers:      8,
		},
		Merge: MergeConfig{
			BatchSize: 100,
			Interval:  250 * time.Millisecond,
		},
		Events: EventsConfig{
			RetainPerTenant: 10000,
			RedisChannel:    "gate.events",
		},
		QueueDefaults: QueueDefaults{
			ReleaseRatePerMinute: 60,
			MaxConcurrentUsers:   100,
		},
	}
}

// fileConfig mirrors Config with durations expressed in milliseconds, which is
// how they appear in config files.
type fileConfig struct {
	DefaultTenantName *string `json:"defaultTenantName"`
	AllowAutoCreate   *bool   `json:"allowAutoCreateTenants"`
	Scheduler         struct {
		TickIntervalMs *int64 `json:"tickIntervalMs"`
		Workers        *int   `json:"workers"`
	} `json:"scheduler"`
	Merge struct {
		BatchSize  *int   `json:"batchSize"`
		IntervalMs *int64 `json:"intervalMs"`
	} `json:"merge"`
	Events struct {
		RetainPerTenant *int    `json:"retainPerTenant"`
		RedisAddr       *string `json:"redisAddr"`
		RedisChannel    *string `json:"redisChannel"`
	} `json:"events"`
	MetricsListenAddr *string `json:"metricsListenAddr"`
	QueueDefaults     struct {
		ReleaseRatePerMinute *int `json:"releaseRatePerMinute"`
		MaxConcurrentUsers   *int `json:"maxConcurrentUsers"`
	} `json:"queueDefaults"`
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return Config{}, err
	}
	if fc.DefaultTenantName != nil {
		cfg.DefaultTenantName = *fc.DefaultTenantName
	}
	if fc.AllowAutoCreate != nil {
		cfg.AllowAutoCreate = *fc.AllowAutoCreate
	}
	if fc.Scheduler.TickIntervalMs != nil {
		cfg.Scheduler.TickInterval = time.Duration(*fc.Scheduler.TickIntervalMs) * time.Millisecond
	}
	if fc.Scheduler.Workers != nil {
		cfg.Scheduler.Workers = *fc.Scheduler.Workers
	}
	if fc.Merge.BatchSize != nil {
		cfg.Merge.BatchSize = *fc.Merge.BatchSize
	}
	if fc.Merge.IntervalMs != nil {
		cfg.Merge.Interval = time.Duration(*fc.Merge.IntervalMs) * time.Millisecond
	}
	if fc.Events.RetainPerTenant != nil {
		cfg.Events.RetainPerTenant = *fc.Events.RetainPerTenant
	}
	if fc.Events.RedisAddr != nil {
		cfg.Events.RedisAddr = *fc.Events.RedisAddr
	}
	if fc.Events.RedisChannel != nil {
		cfg.Events.RedisChannel = *fc.Events.RedisChannel
	}
	if fc.MetricsListenAddr != nil {
		cfg.MetricsListenAddr = *fc.MetricsListenAddr
	}
	if fc.QueueDefaults.ReleaseRatePerMinute != nil {
		cfg.QueueDefaults.ReleaseRatePerMinute = *fc.QueueDefaults.ReleaseRatePerMinute
	}
	if fc.QueueDefaults.MaxConcurrentUsers != nil {
		cfg.QueueDefaults.MaxConcurrentUsers = *fc.QueueDefaults.MaxConcurrentUsers
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("config: scheduler tick interval must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return errors.New("config: scheduler workers must be positive")
	}
	if c.Merge.BatchSize <= 0 {
		return errors.New("config: merge batch size must be positive")
	}
	if c.QueueDefaults.ReleaseRatePerMinute < 1 {
		return errors.New("config: default release rate must be >= 1")
	}
	if c.QueueDefaults.MaxConcurrentUsers < 0 {
		return errors.New("config: default max concurrent users must be >= 0")
	}
	return nil
}
