// Package sandbox runs untrusted tenant code in an isolated child with
// CPU/memory guards, a network allow/deny policy, heartbeat supervision
// and secret redaction.
package sandbox

import "fmt"

// Stable error codes surfaced by sandbox executions.
const (
	CodeTimeout          = "SANDBOX_TIMEOUT"
	CodeAbort            = "SANDBOX_ABORT"
	CodeResourceLimit    = "SANDBOX_RESOURCE_LIMIT"
	CodeNetworkPolicy    = "SANDBOX_NETWORK_POLICY"
	CodeHeartbeatTimeout = "SANDBOX_HEARTBEAT_TIMEOUT"
	CodePolicyViolation  = "SANDBOX_POLICY_VIOLATION"
)

// TimeoutError: the execution exceeded its wall-clock budget.
type TimeoutError struct {
	Limit string
}

func (e *TimeoutError) Error() string     { return "sandbox execution timed out after " + e.Limit }
func (e *TimeoutError) ErrorCode() string { return CodeTimeout }

// AbortError: the caller's signal fired before completion.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string     { return "sandbox execution aborted: " + e.Reason }
func (e *AbortError) ErrorCode() string { return CodeAbort }

// ResourceLimitError: the child exceeded a CPU or memory quota. Fatal for
// the node; the retry manager never retries it.
type ResourceLimitError struct {
	Resource string // "cpu" or "memory"
	Usage    int64
	Limit    int64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("sandbox %s limit exceeded: usage %d > limit %d", e.Resource, e.Usage, e.Limit)
}
func (e *ResourceLimitError) ErrorCode() string { return CodeResourceLimit }
func (e *ResourceLimitError) FatalError() bool  { return true }

// NetworkDeniedError: an outbound request violated the egress policy.
type NetworkDeniedError struct {
	Host   string
	Reason string // host_denied, host_not_allowlisted
}

func (e *NetworkDeniedError) Error() string {
	return fmt.Sprintf("sandbox network denied for %q: %s", e.Host, e.Reason)
}
func (e *NetworkDeniedError) ErrorCode() string { return CodeNetworkPolicy }
func (e *NetworkDeniedError) FatalError() bool  { return true }

// HeartbeatTimeoutError: the child went silent past the heartbeat budget.
type HeartbeatTimeoutError struct {
	SilentFor string
}

func (e *HeartbeatTimeoutError) Error() string {
	return "sandbox heartbeat lost for " + e.SilentFor
}
func (e *HeartbeatTimeoutError) ErrorCode() string { return CodeHeartbeatTimeout }

// PolicyViolationError covers everything else the policy forbids
// (rejected imports, quarantined scopes, malformed child protocol).
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string     { return "sandbox policy violation: " + e.Reason }
func (e *PolicyViolationError) ErrorCode() string { return CodePolicyViolation }
func (e *PolicyViolationError) FatalError() bool  { return true }
