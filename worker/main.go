package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/AyushJhin07/Automation-sub003/config"
	"github.com/AyushJhin07/Automation-sub003/idempotency"
	"github.com/AyushJhin07/Automation-sub003/orchestrator"
	"github.com/AyushJhin07/Automation-sub003/queue"
	"github.com/AyushJhin07/Automation-sub003/retry"
	"github.com/AyushJhin07/Automation-sub003/runstate"
	"github.com/AyushJhin07/Automation-sub003/sandbox"
	"github.com/AyushJhin07/Automation-sub003/tenancy"
)

// logAuditor writes every denied network decision to the log. Allowed
// decisions are already counted by the supervisor metrics.
type logAuditor struct{}

func (logAuditor) RecordNetworkDecision(rec sandbox.AuditRecord) {
	if rec.Allowed {
		return
	}
	log.Printf("[audit] org=%s execution=%s node=%s host=%s denied: %s",
		rec.OrganizationID, rec.ExecutionID, rec.NodeID, rec.AttemptedHost, rec.Reason)
}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is required for the durable queue driver and shared idempotency
	// state. Without it everything falls back to single-node in-memory state.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("[worker] connected to Redis at %s", cfg.RedisAddr)
	}

	var store runstate.Store
	if cfg.DatabaseURL != "" {
		pg, err := runstate.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Region)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		store = pg
		log.Printf("[worker] using Postgres run-state store (region=%s)", cfg.Region)
	} else {
		store = runstate.NewMemoryStore()
		log.Printf("[worker] using in-memory run-state store (ephemeral)")
	}

	queueOpts := queue.Options{
		Region:            cfg.Region,
		TenantConcurrency: cfg.TenantConcurrency,
		LockDuration:      cfg.LockDuration,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
	}
	var q queue.Queue
	switch cfg.QueueDriver {
	case "durable":
		if redisClient == nil {
			log.Fatalf("QUEUE_DRIVER=durable requires REDIS_ADDR")
		}
		q = queue.NewRedisQueue(redisClient, queueOpts)
		log.Printf("[worker] durable queue driver (Redis)")
	default:
		q = queue.NewMemoryQueue(queueOpts)
		log.Printf("[worker] in-memory queue driver")
	}

	var idemStore idempotency.Store
	var quotas orchestrator.QuotaState
	var tokens orchestrator.TokenStore
	if redisClient != nil {
		idemStore = idempotency.NewRedisStore(redisClient)
		quotas = orchestrator.NewRedisQuotaState(redisClient)
		tokens = orchestrator.NewRedisTokenStore(redisClient)
	} else {
		idemStore = idempotency.NewMemoryStore()
		quotas = orchestrator.NewMemoryQuotaState()
		tokens = orchestrator.NewMemoryTokenStore()
	}

	policy := retry.DefaultPolicy()
	if cfg.MaxRetries > 0 {
		policy.MaxAttempts = cfg.MaxRetries
	}
	policy.InitialDelay = cfg.RetryDelay
	policy.MaxDelay = cfg.MaxRetryDelay
	retries := retry.NewManager(idemStore, policy, retry.DefaultCircuitConfig())

	var executor sandbox.Executor
	switch cfg.SandboxExecutor {
	case "process":
		executor = sandbox.NewProcessExecutor(cfg.SandboxRunnerBin)
		log.Printf("[worker] sandbox executor: process (%s)", cfg.SandboxRunnerBin)
	default:
		executor = sandbox.NewWorkerExecutor()
		log.Printf("[worker] sandbox executor: in-process worker")
	}
	basePolicy := sandbox.Policy{
		Limits: sandbox.ResourceLimits{
			MaxCPU:      cfg.SandboxMaxCPU,
			CPUQuota:    cfg.SandboxCPUQuota,
			MemoryBytes: cfg.SandboxMaxMemoryBytes,
			CgroupRoot:  cfg.SandboxCgroupRoot,
		},
		HeartbeatInterval: cfg.SandboxHeartbeatInterval,
		HeartbeatTimeout:  cfg.SandboxHeartbeatTimeout,
	}
	sandboxes := sandbox.NewFactory(executor, basePolicy, logAuditor{})

	workflows := orchestrator.NewStaticWorkflows()
	hub := NewEventHub()
	go hub.Run(ctx)

	engine := orchestrator.New(cfg, orchestrator.Deps{
		Queue:     q,
		Runs:      runstate.NewManager(store, cfg.Region),
		Retries:   retries,
		Sandboxes: sandboxes,
		Tenants:   tenancy.NewStaticResolver(cfg.Region),
		Quotas:    quotas,
		Tokens:    tokens,
		Workflows: workflows,
		Handlers:  orchestrator.NewHandlerRegistry(),
		Events:    hub,
	})
	engine.Start(ctx)

	api := NewAPI(engine, hub, workflows)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	http.Handle("/metrics", promhttp.Handler())

	http.Handle("/workflows", OrgMiddleware(http.HandlerFunc(api.handleWorkflows)))
	http.Handle("/executions", OrgMiddleware(http.HandlerFunc(api.handleExecutions)))
	http.Handle("/executions/stats", OrgMiddleware(http.HandlerFunc(api.handleStats)))
	http.Handle("/executions/", OrgMiddleware(http.HandlerFunc(api.handleExecutionByID)))
	http.Handle("/errors", OrgMiddleware(http.HandlerFunc(api.handleErrors)))
	http.Handle("/stream", OrgMiddleware(http.HandlerFunc(api.handleStream)))

	http.HandleFunc("/debug/snapshot", api.handleSnapshot)
	http.HandleFunc("/admin/admission-mode", api.handleAdmissionMode)

	srv := &http.Server{Addr: cfg.HTTPAddr}

	go func() {
		<-ctx.Done()
		log.Printf("[worker] shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[worker] execution worker listening on %s (concurrency=%d tenant=%d region=%s)",
		cfg.HTTPAddr, cfg.WorkerConcurrency, cfg.TenantConcurrency, cfg.Region)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}

	engine.Stop()
	log.Printf("[worker] stopped")
}
