// Package queue provides the durable, tenant-fair job queue feeding the
// execution workers. Jobs are grouped by organization; dispatch is
// round-robin across groups with a per-group in-flight cap, and every
// delivery carries a renewable lock that expires if the worker goes quiet.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/AyushJhin07/Automation-sub003/runstate"
)

// ErrLockLost is returned when a renew/complete/fail call presents a lock
// token that no longer owns the job.
var ErrLockLost = errors.New("queue: lock lost")

// Job is the payload of one execution (or resume) dispatch.
type Job struct {
	ExecutionID    string                `json:"execution_id"`
	WorkflowID     string                `json:"workflow_id"`
	OrganizationID string                `json:"organization_id"`
	UserID         string                `json:"user_id,omitempty"`
	TriggerType    string                `json:"trigger_type"`
	TriggerData    map[string]any        `json:"trigger_data,omitempty"`
	Resume         *runstate.ResumeState `json:"resume,omitempty"`
	InitialData    map[string]any        `json:"initial_data,omitempty"`
	TimerID        string                `json:"timer_id,omitempty"`
	TokenID        string                `json:"token_id,omitempty"`
	Connectors     []string              `json:"connectors,omitempty"`
	Region         string                `json:"region"`
	Attempt        int                   `json:"attempt"` // queue-level delivery attempt, 1-based
	EnqueuedAt     time.Time             `json:"enqueued_at"`
}

// IsResume reports whether the job continues a suspended execution.
func (j *Job) IsResume() bool { return j.Resume != nil }

// Delivery is a reserved job plus its lease.
type Delivery struct {
	Job           *Job
	LockToken     string
	LockExpiresAt time.Time
}

// Counts enumerates queue state for the snapshot surface.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// Options tune a queue driver.
type Options struct {
	Region            string
	TenantConcurrency int           // per-group in-flight cap (T)
	LockDuration      time.Duration // lease length per reserve/renew
	MaxRetries        int           // queue-level redeliveries: maxRetries+1 total
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
}

func (o Options) withDefaults() Options {
	if o.TenantConcurrency <= 0 {
		o.TenantConcurrency = 4
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	return o
}

// Queue is the driver contract. Add is idempotent by execution id.
type Queue interface {
	Add(ctx context.Context, job *Job) error
	// Reserve claims the next fair job for workerID, or returns nil when
	// nothing is dispatchable (empty, delayed, or all groups at cap).
	Reserve(ctx context.Context, workerID string) (*Delivery, error)
	// Renew extends the lock and returns the new expiry.
	Renew(ctx context.Context, executionID, lockToken string) (time.Time, error)
	Complete(ctx context.Context, executionID, lockToken string) error
	// Fail redelivers with exponential backoff, or drops to failed once the
	// retry budget is spent.
	Fail(ctx context.Context, executionID, lockToken, reason string) error
	// ReclaimExpired rescues jobs whose lock has lapsed so another worker
	// can reserve them.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	Counts(ctx context.Context) (Counts, error)
	Name() string
}

// backoffDelay computes the queue-level redelivery delay for an attempt.
func backoffDelay(o Options, attempt int) time.Duration {
	d := o.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MaxRetryDelay {
			return o.MaxRetryDelay
		}
	}
	if d > o.MaxRetryDelay {
		d = o.MaxRetryDelay
	}
	return d
}
