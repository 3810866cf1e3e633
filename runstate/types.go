// Package runstate persists executions and node attempts: every attempt,
// timeline event and resume snapshot needed for observability and replay.
package runstate

import (
	"encoding/json"
	"time"
)

// Execution statuses. Terminal statuses never transition back; replay
// creates a new execution referencing the source.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// Node attempt statuses.
const (
	AttemptRunning   = "running"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
	AttemptRetrying  = "retrying"
	AttemptDLQ       = "dlq"
)

// Timer statuses.
const (
	TimerPending  = "pending"
	TimerInFlight = "in_flight"
	TimerComplete = "completed"
	TimerFailed   = "failed"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// Lease is the worker's claim on a running execution. It mirrors the
// queue-job lock; only the holder renews it, anyone may reclaim after
// LockExpiresAt.
type Lease struct {
	WorkerID          string        `json:"worker_id"`
	LockedAt          time.Time     `json:"locked_at"`
	LockExpiresAt     time.Time     `json:"lock_expires_at"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LastHeartbeatAt   time.Time     `json:"last_heartbeat_at"`
	RenewCount        int           `json:"renew_count"`
}

// Expired reports whether the lease is eligible for rescue.
func (l *Lease) Expired(now time.Time) bool {
	return l != nil && now.After(l.LockExpiresAt)
}

// ResumeState is the snapshot written when an execution suspends. On any
// resume path, keys and hashes recorded here are read before anything is
// regenerated so already-executed nodes reproduce byte-identical values.
type ResumeState struct {
	NodeOutputs      map[string]any    `json:"node_outputs"`
	PrevOutput       any               `json:"prev_output,omitempty"`
	RemainingNodeIDs []string          `json:"remaining_node_ids"`
	NextNodeID       string            `json:"next_node_id,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	IdempotencyKeys  map[string]string `json:"idempotency_keys"`
	RequestHashes    map[string]string `json:"request_hashes"`
}

// TimelineEvent is one entry in an execution's audit trail.
type TimelineEvent struct {
	Type       string         `json:"type"` // execution_started, node_started, node_completed, node_failed, execution_waiting, execution_completed
	NodeID     string         `json:"node_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Execution is one run of a workflow graph.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id,omitempty"`
	Region         string          `json:"region"`
	Status         string          `json:"status"`
	TriggerType    string          `json:"trigger_type"`
	TriggerData    map[string]any  `json:"trigger_data,omitempty"`
	NodeOutputs    map[string]any  `json:"node_outputs,omitempty"`
	Error          string          `json:"error,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
	Tags           []string        `json:"tags,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Lease          *Lease          `json:"lease,omitempty"`
	WaitReason     string          `json:"wait_reason,omitempty"`
	ResumeAt       *time.Time      `json:"resume_at,omitempty"`
	Timeline       []TimelineEvent `json:"timeline,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
	TotalNodes     int             `json:"total_nodes"`
}

// RetryEvent is one historical attempt inside a NodeAttempt record.
type RetryEvent struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeAttempt is one invocation of one node within an execution.
// Primary key (ExecutionID, NodeID, Attempt).
type NodeAttempt struct {
	ExecutionID  string         `json:"execution_id"`
	NodeID       string         `json:"node_id"`
	Attempt      int            `json:"attempt"` // 1-based
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Input        any            `json:"input,omitempty"`
	Output       any            `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	RetryHistory []RetryEvent   `json:"retry_history,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// WorkflowTimer schedules a deferred resume. The sweeper re-enqueues when
// ResumeAt has passed and the status is still pending.
type WorkflowTimer struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	ResumeAt    time.Time       `json:"resume_at"`
	Payload     json.RawMessage `json:"payload"` // serialized TimerPayload
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TimerPayload is what the sweeper needs to rebuild the resume job.
type TimerPayload struct {
	ExecutionID    string         `json:"execution_id"`
	WorkflowID     string         `json:"workflow_id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	Region         string         `json:"region"`
	Resume         ResumeState    `json:"resume"`
	InitialData    map[string]any `json:"initial_data,omitempty"`
}

// Filter selects executions for list queries. Zero fields match all.
type Filter struct {
	WorkflowID     string
	OrganizationID string
	UserID         string
	Statuses       []string
	DateFrom       time.Time
	DateTo         time.Time
	Tags           []string
	Sort           string // "started_at" (default, descending) or "duration"
	Limit          int
	Offset         int
}

// Stats is an aggregate rollup over a time window.
type Stats struct {
	Window        string         `json:"window"` // hour, day, week
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMS int64          `json:"avg_duration_ms"`
	CacheHits     int            `json:"cache_hits"`
}
