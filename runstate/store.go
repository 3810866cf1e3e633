package runstate

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("runstate: not found")

// ErrTimerClaimed is returned when a claim races another sweeper.
var ErrTimerClaimed = errors.New("runstate: timer already claimed")

// Store persists executions, node attempts and workflow timers. Two
// implementations: in-memory for single-node mode, Postgres for durable
// multi-worker deployments.
type Store interface {
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, f Filter) ([]*Execution, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]*Execution, error)

	CreateNodeAttempt(ctx context.Context, a *NodeAttempt) error
	UpdateNodeAttempt(ctx context.Context, a *NodeAttempt) error
	GetNodeAttempt(ctx context.Context, executionID, nodeID string, attempt int) (*NodeAttempt, error)
	ListNodeAttempts(ctx context.Context, executionID string) ([]*NodeAttempt, error)

	CreateTimer(ctx context.Context, t *WorkflowTimer) error
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*WorkflowTimer, error)
	// ClaimTimer flips pending to in_flight; ErrTimerClaimed if lost.
	ClaimTimer(ctx context.Context, id string) error
	CompleteTimer(ctx context.Context, id string) error
	// RescheduleTimer returns an in_flight timer to pending at a later time.
	RescheduleTimer(ctx context.Context, id string, resumeAt time.Time, lastError string) error

	// DeleteOlderThan removes terminal executions (and their attempts and
	// timers) whose completion predates the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
