package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/AyushJhin07/Automation-sub003/observability"
)

// CircuitState is the state of one connector/node breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitConfig tunes one breaker.
type CircuitConfig struct {
	FailureThreshold    int
	Cooldown            time.Duration
	HalfOpenMaxAttempts int
}

// DefaultCircuitConfig returns production defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold:    5,
		Cooldown:            30 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// CircuitSnapshot is an immutable view of breaker state, embedded in
// execution metadata and error details.
type CircuitSnapshot struct {
	Key                 string       `json:"key"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	LastRecoveryAt      *time.Time   `json:"last_recovery_at,omitempty"`
	HalfOpenAttempts    int          `json:"half_open_attempts"`
}

// CircuitOpenError is returned when the breaker refuses an attempt.
type CircuitOpenError struct {
	Snapshot CircuitSnapshot
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (%d consecutive failures)",
		e.Snapshot.Key, e.Snapshot.ConsecutiveFailures)
}

func (e *CircuitOpenError) ErrorCode() string { return string(CodeCircuitOpen) }

// breaker is the per-key state machine. Valid transitions: closed->open,
// open->half_open after cooldown, half_open->open on failure,
// half_open->closed on success.
type breaker struct {
	key                 string
	cfg                 CircuitConfig
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	lastFailureAt       time.Time
	lastRecoveryAt      time.Time
	halfOpenAttempts    int
	lastTouched         time.Time
}

func (b *breaker) snapshot() CircuitSnapshot {
	snap := CircuitSnapshot{
		Key:                 b.key,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenAttempts:    b.halfOpenAttempts,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !b.lastRecoveryAt.IsZero() {
		t := b.lastRecoveryAt
		snap.LastRecoveryAt = &t
	}
	return snap
}

func (b *breaker) setState(state CircuitState) {
	if b.state == state {
		return
	}
	b.state = state
	observability.CircuitTransitions.WithLabelValues(b.key, string(state)).Inc()
	observability.CircuitState.WithLabelValues(b.key).Set(stateGauge(state))
}

func stateGauge(s CircuitState) float64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}

// CircuitRegistry holds breakers keyed by "connectorID/nodeID".
type CircuitRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewCircuitRegistry initializes an empty registry.
func NewCircuitRegistry() *CircuitRegistry {
	return &CircuitRegistry{breakers: make(map[string]*breaker)}
}

// BreakerKey builds the registry key for a connector/node pair.
func BreakerKey(connectorID, nodeID string) string {
	if connectorID == "" {
		connectorID = "generic"
	}
	return connectorID + "/" + nodeID
}

func (r *CircuitRegistry) get(key string, cfg CircuitConfig) *breaker {
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{key: key, cfg: cfg, state: CircuitClosed}
		r.breakers[key] = b
	}
	return b
}

// Allow decides whether an attempt may proceed at the given instant.
// It performs the open->half_open transition when the cooldown elapsed and
// budgets half-open probes. A non-nil error is always *CircuitOpenError.
func (r *CircuitRegistry) Allow(key string, cfg CircuitConfig, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key, cfg)
	b.lastTouched = now

	if b.state == CircuitOpen {
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			b.setState(CircuitHalfOpen)
			b.halfOpenAttempts = 0
		} else {
			return &CircuitOpenError{Snapshot: b.snapshot()}
		}
	}

	if b.state == CircuitHalfOpen {
		b.halfOpenAttempts++
		if b.halfOpenAttempts > b.cfg.HalfOpenMaxAttempts {
			b.setState(CircuitOpen)
			b.openedAt = now
			return &CircuitOpenError{Snapshot: b.snapshot()}
		}
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure streak.
func (r *CircuitRegistry) RecordSuccess(key string, cfg CircuitConfig, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key, cfg)
	b.lastTouched = now
	if b.state != CircuitClosed {
		b.lastRecoveryAt = now
	}
	b.setState(CircuitClosed)
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
}

// RecordFailure bumps the failure streak and opens the breaker when the
// threshold is crossed or a half-open probe fails. Returns true when the
// breaker is open after this failure.
func (r *CircuitRegistry) RecordFailure(key string, cfg CircuitConfig, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(key, cfg)
	b.lastTouched = now
	b.consecutiveFailures++
	b.lastFailureAt = now

	if b.state == CircuitHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.setState(CircuitOpen)
		b.openedAt = now
		return true
	}
	return false
}

// Snapshot returns the current view of one breaker, if it exists.
func (r *CircuitRegistry) Snapshot(key string) (CircuitSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		return CircuitSnapshot{}, false
	}
	return b.snapshot(), true
}

// OpenCount returns how many breakers are currently open.
func (r *CircuitRegistry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, b := range r.breakers {
		if b.state == CircuitOpen {
			n++
		}
	}
	return n
}

// EvictIdleClosed drops breakers that are closed and untouched since the
// cutoff. Open breakers are never evicted.
func (r *CircuitRegistry) EvictIdleClosed(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, b := range r.breakers {
		if b.state == CircuitClosed && b.lastTouched.Before(cutoff) {
			delete(r.breakers, key)
			dropped++
		}
	}
	return dropped
}
