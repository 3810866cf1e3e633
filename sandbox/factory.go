package sandbox

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/AyushJhin07/Automation-sub003/observability"
)

// Factory defaults. A scope is one organization (or organization+connection
// when connection-level isolation is requested).
const (
	defaultQuarantineThreshold = 3
	defaultQuarantineDuration  = 5 * time.Minute
	defaultRecycleAfter        = 500
)

// Factory hands out one supervisor per isolation scope and runs the
// isolation watchdog over them: repeated violations quarantine the scope,
// long-lived scopes are recycled to shed accumulated child state.
type Factory struct {
	executor Executor
	base     Policy
	auditor  Auditor

	QuarantineThreshold int
	QuarantineDuration  time.Duration
	RecycleAfter        int

	mu     sync.Mutex
	scopes map[string]*scopeState
}

type scopeState struct {
	supervisor *Supervisor
	executions int
	violations int // consecutive fatal policy violations
	quarantinedUntil time.Time
}

func NewFactory(executor Executor, base Policy, auditor Auditor) *Factory {
	return &Factory{
		executor:            executor,
		base:                base,
		auditor:             auditor,
		QuarantineThreshold: defaultQuarantineThreshold,
		QuarantineDuration:  defaultQuarantineDuration,
		RecycleAfter:        defaultRecycleAfter,
		scopes:              make(map[string]*scopeState),
	}
}

// QuarantinedError is returned while a scope sits out its quarantine.
type QuarantinedError struct {
	Scope string
	Until time.Time
}

func (e *QuarantinedError) Error() string {
	return "sandbox scope " + e.Scope + " quarantined until " + e.Until.Format(time.RFC3339)
}
func (e *QuarantinedError) ErrorCode() string { return CodePolicyViolation }
func (e *QuarantinedError) FatalError() bool  { return true }

// Execute runs a request under the scope's supervisor, applying watchdog
// accounting around the run.
func (f *Factory) Execute(ctx context.Context, scope string, req Request) (*Result, error) {
	f.mu.Lock()
	st, ok := f.scopes[scope]
	if !ok {
		st = &scopeState{supervisor: NewSupervisor(f.executor, f.base, f.auditor)}
		f.scopes[scope] = st
	}
	now := time.Now()
	if now.Before(st.quarantinedUntil) {
		until := st.quarantinedUntil
		f.mu.Unlock()
		return nil, &QuarantinedError{Scope: scope, Until: until}
	}
	if st.executions >= f.RecycleAfter {
		st.supervisor = NewSupervisor(f.executor, f.base, f.auditor)
		st.executions = 0
		observability.SandboxQuarantines.WithLabelValues("recycle").Inc()
		log.Printf("[sandbox] scope=%s recycled after %d executions", scope, f.RecycleAfter)
	}
	st.executions++
	sup := st.supervisor
	f.mu.Unlock()

	res, err := sup.Execute(ctx, req)

	f.mu.Lock()
	defer f.mu.Unlock()
	if isIsolationViolation(err) {
		st.violations++
		if st.violations >= f.QuarantineThreshold {
			st.quarantinedUntil = time.Now().Add(f.QuarantineDuration)
			st.violations = 0
			st.supervisor = NewSupervisor(f.executor, f.base, f.auditor)
			observability.SandboxQuarantines.WithLabelValues("quarantine").Inc()
			log.Printf("[sandbox] scope=%s quarantined until %s", scope, st.quarantinedUntil.Format(time.RFC3339))
		}
	} else if err == nil {
		st.violations = 0
	}
	return res, err
}

// isIsolationViolation reports whether the error indicates the scope is
// abusing the sandbox rather than just failing.
func isIsolationViolation(err error) bool {
	if err == nil {
		return false
	}
	var (
		rl *ResourceLimitError
		nd *NetworkDeniedError
		pv *PolicyViolationError
	)
	return errors.As(err, &rl) || errors.As(err, &nd) || errors.As(err, &pv)
}

// Quarantined reports whether a scope is currently quarantined.
func (f *Factory) Quarantined(scope string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.scopes[scope]
	return ok && time.Now().Before(st.quarantinedUntil)
}

// Release drops a scope's supervisor and watchdog state.
func (f *Factory) Release(scope string) {
	f.mu.Lock()
	delete(f.scopes, scope)
	f.mu.Unlock()
}
