// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Region identifiers for data residency.
const (
	RegionUS   = "us"
	RegionEU   = "eu"
	RegionAPAC = "apac"
)

// Config holds every tunable the engine reads from the environment.
type Config struct {
	HTTPAddr    string
	RedisAddr   string
	DatabaseURL string
	Region      string
	QueueDriver string // "durable" or "inmemory"

	// Worker scheduling
	WorkerConcurrency int // N: global in-flight jobs per worker
	TenantConcurrency int // T: per-tenant cap, T <= N

	// Queue-level retry
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Lease and heartbeat
	LockDuration      time.Duration
	LockRenewTime     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatPersist  time.Duration

	// Sandbox
	SandboxExecutor          string // "process" or "worker"
	SandboxRunnerBin         string
	SandboxMaxCPU            time.Duration
	SandboxCPUQuota          time.Duration
	SandboxMaxMemoryBytes    int64
	SandboxCgroupRoot        string
	SandboxHeartbeatInterval time.Duration
	SandboxHeartbeatTimeout  time.Duration

	GenericExecutorEnabled bool
}

// Load reads the environment and applies defaults for anything unset.
func Load() Config {
	cfg := Config{
		HTTPAddr:    getString("HTTP_ADDR", ":8080"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Region:      getString("DATA_RESIDENCY_REGION", RegionUS),
		QueueDriver: getString("QUEUE_DRIVER", "inmemory"),

		WorkerConcurrency: getInt("EXECUTION_WORKER_CONCURRENCY", 10),
		TenantConcurrency: getInt("EXECUTION_TENANT_CONCURRENCY", 4),

		MaxRetries:    getInt("EXECUTION_MAX_RETRIES", 3),
		RetryDelay:    getMillis("EXECUTION_RETRY_DELAY_MS", 1000),
		MaxRetryDelay: getMillis("EXECUTION_MAX_RETRY_DELAY_MS", 30000),

		LockDuration:      getMillis("EXECUTION_LOCK_DURATION_MS", 30000),
		LockRenewTime:     getMillis("EXECUTION_LOCK_RENEW_MS", 15000),
		HeartbeatInterval: getMillis("EXECUTION_HEARTBEAT_INTERVAL_MS", 5000),
		HeartbeatTimeout:  getMillis("EXECUTION_HEARTBEAT_TIMEOUT_MS", 60000),
		HeartbeatPersist:  getMillis("EXECUTION_HEARTBEAT_PERSIST_MS", 15000),

		SandboxExecutor:          getString("SANDBOX_EXECUTOR", "process"),
		SandboxRunnerBin:         getString("SANDBOX_RUNNER_BIN", "sandbox-runner"),
		SandboxMaxCPU:            getMillis("SANDBOX_MAX_CPU_MS", 0),
		SandboxCPUQuota:          getMillis("SANDBOX_CPU_QUOTA_MS", 0),
		SandboxCgroupRoot:        os.Getenv("SANDBOX_CGROUP_ROOT"),
		SandboxHeartbeatInterval: getMillis("SANDBOX_HEARTBEAT_INTERVAL_MS", 500),
		SandboxHeartbeatTimeout:  getMillis("SANDBOX_HEARTBEAT_TIMEOUT_MS", 3000),

		GenericExecutorEnabled: getBool("GENERIC_EXECUTOR_ENABLED", false),
	}

	if mb := getInt("SANDBOX_MAX_MEMORY_MB", 0); mb > 0 {
		cfg.SandboxMaxMemoryBytes = int64(mb) * 1024 * 1024
	}

	// T must never exceed N or tenants could starve the pool accounting.
	if cfg.TenantConcurrency > cfg.WorkerConcurrency {
		cfg.TenantConcurrency = cfg.WorkerConcurrency
	}
	// Heartbeat timeout below 2x interval makes every renewal a race.
	if cfg.HeartbeatTimeout < 2*cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.SandboxHeartbeatTimeout < 2*cfg.SandboxHeartbeatInterval {
		cfg.SandboxHeartbeatTimeout = 2 * cfg.SandboxHeartbeatInterval
	}

	return cfg
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getMillis(key string, defMS int) time.Duration {
	return time.Duration(getInt(key, defMS)) * time.Millisecond
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
