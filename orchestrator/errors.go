// Package orchestrator is the scheduler kernel: admission, tenant-fair
// dispatch, leases with heartbeats, the node execution loop, suspension
// and deterministic resume.
package orchestrator

import "fmt"

// Stable error codes for admission and scheduling failures.
const (
	CodeQuotaUsage           = "QUOTA_USAGE"
	CodeQuotaRate            = "QUOTA_RATE"
	CodeQuotaConcurrency     = "QUOTA_CONCURRENCY"
	CodeConnectorConcurrency = "CONNECTOR_CONCURRENCY"
	CodeRegionMismatch       = "REGION_MISMATCH"
	CodeLeaseLost            = "LEASE_LOST"
	CodeAdmissionMode        = "ADMISSION_MODE"
)

// UsageQuotaExceeded: the user's plan allowance is spent.
type UsageQuotaExceeded struct {
	UserID string
	Used   int64
	Limit  int64
}

func (e *UsageQuotaExceeded) Error() string {
	return fmt.Sprintf("usage quota exceeded for user %s: %d/%d executions", e.UserID, e.Used, e.Limit)
}
func (e *UsageQuotaExceeded) ErrorCode() string { return CodeQuotaUsage }

// ExecutionQuotaExceeded: rate window or concurrency slot denied.
type ExecutionQuotaExceeded struct {
	Scope string // "rate" or "concurrency"
	Count int
	Limit int
}

func (e *ExecutionQuotaExceeded) Error() string {
	return fmt.Sprintf("execution quota exceeded (%s): %d/%d", e.Scope, e.Count, e.Limit)
}

func (e *ExecutionQuotaExceeded) ErrorCode() string {
	if e.Scope == "concurrency" {
		return CodeQuotaConcurrency
	}
	return CodeQuotaRate
}

// ConnectorConcurrencyExceeded: a connector is at its per-scope cap.
type ConnectorConcurrencyExceeded struct {
	ConnectorID string
	Limit       int
}

func (e *ConnectorConcurrencyExceeded) Error() string {
	return fmt.Sprintf("connector %s at concurrency limit %d", e.ConnectorID, e.Limit)
}
func (e *ConnectorConcurrencyExceeded) ErrorCode() string { return CodeConnectorConcurrency }

// AdmissionRefused: the kill switch rejected the request.
type AdmissionRefused struct {
	Mode string
}

func (e *AdmissionRefused) Error() string {
	return "admission refused: scheduler is in " + e.Mode + " mode"
}
func (e *AdmissionRefused) ErrorCode() string { return CodeAdmissionMode }

// LeaseLostError: the worker's claim lapsed and the job was reassigned.
// Workers abandon quietly on this; the queue redelivers.
type LeaseLostError struct {
	ExecutionID string
}

func (e *LeaseLostError) Error() string {
	return "lease lost for execution " + e.ExecutionID
}
func (e *LeaseLostError) ErrorCode() string { return CodeLeaseLost }
