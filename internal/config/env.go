package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays GATE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("GATE_DEFAULT_TENANT_NAME"); v != "" {
		cfg.DefaultTenantName = v
	}
	if v := os.Getenv("GATE_ALLOW_AUTO_CREATE_TENANTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAutoCreate = b
		}
	}
	if v := os.Getenv("GATE_SCHEDULER_TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.TickInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("GATE_SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("GATE_MERGE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Merge.BatchSize = n
		}
	}
	if v := os.Getenv("GATE_MERGE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Merge.Interval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("GATE_EVENTS_RETAIN_PER_TENANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Events.RetainPerTenant = n
		}
	}
	if v := os.Getenv("GATE_EVENTS_REDIS_ADDR"); v != "" {
		cfg.Events.RedisAddr = v
	}
	if v := os.Getenv("GATE_EVENTS_REDIS_CHANNEL"); v != "" {
		cfg.Events.RedisChannel = v
	}
	if v := os.Getenv("GATE_METRICS_LISTEN_ADDR"); v != "" {
		cfg.MetricsListenAddr = v
	}
}
