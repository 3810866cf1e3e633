// Package retry executes node operations with policy-driven retries,
// error classification, idempotent result caching and per-connector
// circuit breaking.
package retry

import (
	"strings"
)

// Code is a stable error classification code.
type Code string

const (
	CodeTimeout            Code = "TIMEOUT"
	CodeRateLimit          Code = "RATE_LIMIT"
	CodeNetworkError       Code = "NETWORK_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeServerError        Code = "SERVER_ERROR"
	CodeUnknown            Code = "UNKNOWN_ERROR"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeDLQ                Code = "DLQ"
)

// DefaultRetryable is the set of classes a policy retries unless it says
// otherwise.
var DefaultRetryable = []Code{
	CodeTimeout, CodeRateLimit, CodeNetworkError, CodeServiceUnavailable, CodeServerError,
}

// Coder is implemented by errors that carry a structured classification
// code. Structured codes win over message matching.
type Coder interface {
	ErrorCode() string
}

// Fatal is implemented by errors that must never be retried regardless of
// policy (sandbox policy violations, resource limits).
type Fatal interface {
	FatalError() bool
}

// Suspender is implemented by control-flow signals that park an execution
// rather than fail it. They pass through untouched: no retry, no breaker
// failure, no DLQ.
type Suspender interface {
	SuspendSignal() bool
}

// Classify maps an error to a stable code. A structured code on the error
// is authoritative; otherwise the message is matched case- and
// whitespace-insensitively, which is the legacy fallback for nodes that
// only surface strings.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if coded, ok := err.(Coder); ok {
		if c := Code(coded.ErrorCode()); c != "" {
			return c
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded", "etimedout"):
		return CodeTimeout
	case containsAny(msg, "rate limit", "rate-limit", "too many requests", "429"):
		return CodeRateLimit
	case containsAny(msg, "econnrefused", "econnreset", "connection refused", "connection reset",
		"network", "dns", "no such host", "broken pipe"):
		return CodeNetworkError
	case containsAny(msg, "unavailable", "503", "bad gateway", "502"):
		return CodeServiceUnavailable
	case containsAny(msg, "internal server error", "server error", "500"):
		return CodeServerError
	default:
		return CodeUnknown
	}
}

// Retryable reports whether the code is in the policy's retryable set.
// An empty set means nothing retries.
func Retryable(code Code, allowed []Code) bool {
	for _, c := range allowed {
		if c == code {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
