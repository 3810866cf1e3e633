package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Region != RegionUS {
		t.Fatalf("Region = %q", cfg.Region)
	}
	if cfg.QueueDriver != "inmemory" {
		t.Fatalf("QueueDriver = %q", cfg.QueueDriver)
	}
	if cfg.WorkerConcurrency != 10 || cfg.TenantConcurrency != 4 {
		t.Fatalf("concurrency = %d/%d", cfg.WorkerConcurrency, cfg.TenantConcurrency)
	}
	if cfg.LockDuration != 30*time.Second {
		t.Fatalf("LockDuration = %v", cfg.LockDuration)
	}
}

func TestTenantConcurrencyClampedToWorker(t *testing.T) {
	t.Setenv("EXECUTION_WORKER_CONCURRENCY", "3")
	t.Setenv("EXECUTION_TENANT_CONCURRENCY", "8")
	cfg := Load()
	if cfg.TenantConcurrency != 3 {
		t.Fatalf("TenantConcurrency = %d, want clamp to worker concurrency", cfg.TenantConcurrency)
	}
}

func TestHeartbeatTimeoutFloor(t *testing.T) {
	t.Setenv("EXECUTION_HEARTBEAT_INTERVAL_MS", "10000")
	t.Setenv("EXECUTION_HEARTBEAT_TIMEOUT_MS", "12000")
	cfg := Load()
	if cfg.HeartbeatTimeout != 2*cfg.HeartbeatInterval {
		t.Fatalf("HeartbeatTimeout = %v, want 2x interval", cfg.HeartbeatTimeout)
	}
}

func TestSandboxMemoryParsedFromMB(t *testing.T) {
	t.Setenv("SANDBOX_MAX_MEMORY_MB", "256")
	cfg := Load()
	if cfg.SandboxMaxMemoryBytes != 256*1024*1024 {
		t.Fatalf("SandboxMaxMemoryBytes = %d", cfg.SandboxMaxMemoryBytes)
	}
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("EXECUTION_MAX_RETRIES", "many")
	t.Setenv("EXECUTION_RETRY_DELAY_MS", "-5")
	t.Setenv("GENERIC_EXECUTOR_ENABLED", "definitely")
	cfg := Load()
	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay != time.Second {
		t.Fatalf("RetryDelay = %v", cfg.RetryDelay)
	}
	if cfg.GenericExecutorEnabled {
		t.Fatal("invalid bool must keep default")
	}
}
