package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsAdmitted tracks executions accepted through admission control.
	ExecutionsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_admitted_total",
		Help: "Executions accepted through admission control",
	}, []string{"region", "trigger_type"})

	// ExecutionsRejected tracks executions rejected at admission by reason.
	ExecutionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_rejected_total",
		Help: "Executions rejected at admission",
	}, []string{"reason"}) // quota_usage, quota_rate, quota_concurrency, connector_concurrency, admission_mode

	// ExecutionsCompleted tracks terminal execution outcomes.
	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_completed_total",
		Help: "Executions reaching a terminal status",
	}, []string{"status"})

	// ExecutionDuration tracks end-to-end execution runtime.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_execution_duration_seconds",
		Help:    "Execution runtime distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// NodeAttempts tracks node attempt outcomes.
	NodeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_node_attempts_total",
		Help: "Node attempt outcomes",
	}, []string{"outcome"}) // succeeded, failed, retried, dlq, cache_hit

	// NodeDuration tracks per-node execution time.
	NodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_node_duration_seconds",
		Help:    "Node execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// QueueDepth tracks jobs waiting per region queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_queue_depth",
		Help: "Jobs waiting in the region queue",
	}, []string{"region", "state"}) // waiting, active, delayed

	// QueueOldestJobAge tracks the age of the oldest waiting job.
	QueueOldestJobAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_queue_oldest_job_age_seconds",
		Help: "Age of the oldest waiting job",
	}, []string{"region"})

	// LeaseRenewals tracks heartbeat lock renewals.
	LeaseRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_lease_renewals_total",
		Help: "Queue lease renewals by outcome",
	}, []string{"outcome"}) // renewed, lost

	// LeaseRescues tracks expired leases reclaimed by another worker.
	LeaseRescues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_lease_rescues_total",
		Help: "Expired job leases reclaimed for redelivery",
	})

	// CircuitState tracks breaker state per connector.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"connector"})

	// CircuitTransitions tracks breaker transitions.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_circuit_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"connector", "to"})

	// RetryAttempts tracks retries scheduled by the retry manager.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_retry_attempts_total",
		Help: "Retries scheduled by error class",
	}, []string{"class"})

	// IdempotencyHits tracks idempotency cache hits and misses.
	IdempotencyHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_idempotency_lookups_total",
		Help: "Idempotency cache lookups",
	}, []string{"result"}) // hit, miss

	// SandboxExecutions tracks sandbox runs by outcome.
	SandboxExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_sandbox_executions_total",
		Help: "Sandbox executions by outcome",
	}, []string{"outcome"}) // ok, timeout, heartbeat_timeout, resource_limit, network_denied, abort

	// SandboxNetworkDecisions tracks allow/deny verdicts from the egress policy.
	SandboxNetworkDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_sandbox_network_decisions_total",
		Help: "Sandbox egress policy verdicts",
	}, []string{"verdict", "reason"})

	// SandboxQuarantines tracks watchdog quarantine activations.
	SandboxQuarantines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_sandbox_quarantines_total",
		Help: "Sandbox scopes quarantined by the isolation watchdog",
	}, []string{"action"}) // recycle, quarantine

	// TimerSweeps tracks timer sweeper activity.
	TimerSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_timer_sweeps_total",
		Help: "Workflow timers processed by the sweeper",
	}, []string{"outcome"}) // resumed, retried, failed

	// RunningSlots tracks in-flight executions per tenant.
	RunningSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_running_slots",
		Help: "In-flight executions per tenant",
	}, []string{"organization"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// WorkerSaturation tracks the ratio of claimed worker tokens to N.
	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_worker_saturation",
		Help: "Ratio of active worker tokens to configured concurrency (0.0-1.0)",
	})
)
