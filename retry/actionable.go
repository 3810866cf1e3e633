package retry

import (
	"sync"
	"time"
)

const ringCapacity = 1000

// Severity of an actionable error event.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ActionableError is an operator-facing error event. OrganizationID scopes
// it to the tenant whose execution produced it.
type ActionableError struct {
	OrganizationID string    `json:"organization_id,omitempty"`
	ExecutionID    string    `json:"execution_id"`
	NodeID         string    `json:"node_id"`
	Code           string    `json:"code"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Details        any       `json:"details,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorFilter selects actionable errors; zero fields match everything.
// Tenant-facing callers must always set OrganizationID.
type ErrorFilter struct {
	OrganizationID string
	ExecutionID    string
	NodeID         string
	Code           string
	Severity       Severity
}

// errorRing is a bounded ring of the most recent actionable errors.
// Oldest entries are overwritten once the ring is full.
type errorRing struct {
	mu      sync.RWMutex
	entries []ActionableError
	next    int
	full    bool
}

func newErrorRing() *errorRing {
	return &errorRing{entries: make([]ActionableError, ringCapacity)}
}

func (r *errorRing) record(e ActionableError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *errorRing) query(f ErrorFilter) []ActionableError {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	// Walk oldest-first.
	start := 0
	if r.full {
		start = r.next
	}
	out := make([]ActionableError, 0, size)
	for i := 0; i < size; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
			continue
		}
		if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
			continue
		}
		if f.NodeID != "" && e.NodeID != f.NodeID {
			continue
		}
		if f.Code != "" && e.Code != f.Code {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		out = append(out, e)
	}
	return out
}
