package retry

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/AyushJhin07/Automation-sub003/idempotency"
	"github.com/AyushJhin07/Automation-sub003/observability"
)

const (
	minBackoff       = 100 * time.Millisecond
	recordRetention  = 7 * 24 * time.Hour
	breakerRetention = 7 * 24 * time.Hour
	cleanupInterval  = time.Hour
)

// Policy controls retry behavior for one ExecuteWithRetry call.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
	RetryableErrors   []Code
}

// DefaultPolicy returns the runtime default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
		RetryableErrors:   DefaultRetryable,
	}
}

// Options configures one ExecuteWithRetry call.
type Options struct {
	Policy         *Policy
	IdempotencyKey string
	OrganizationID string
	NodeType       string
	ConnectorID    string
	NodeLabel      string
	Circuit        *CircuitConfig
}

// Op is the node operation closure. It must be safe to call repeatedly.
type Op func(ctx context.Context) (any, error)

// AttemptRecord is one entry in a node's retry history.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Code      Code      `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ExecutionRecord tracks retry state for one (execution, node).
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Status      string          `json:"status"` // running, succeeded, failed, dlq
	Attempts    []AttemptRecord `json:"attempts"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Stats summarizes manager activity.
type Stats struct {
	Attempts     int64 `json:"attempts"`
	Successes    int64 `json:"successes"`
	Failures     int64 `json:"failures"`
	CachedKeys   int64 `json:"cached_keys"`
	OpenBreakers int   `json:"open_breakers"`
}

// Manager runs node operations with retries, caching and circuit breaking.
type Manager struct {
	idem     idempotency.Store
	circuits *CircuitRegistry
	ring     *errorRing

	defaultPolicy  Policy
	defaultCircuit CircuitConfig

	mu            sync.Mutex
	records       map[string]*ExecutionRecord
	requestHashes map[string]string
	stats         Stats

	// Injectable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager over the given idempotency store.
func NewManager(idem idempotency.Store, defaultPolicy Policy, defaultCircuit CircuitConfig) *Manager {
	return &Manager{
		idem:           idem,
		circuits:       NewCircuitRegistry(),
		ring:           newErrorRing(),
		defaultPolicy:  defaultPolicy,
		defaultCircuit: defaultCircuit,
		records:        make(map[string]*ExecutionRecord),
		requestHashes:  make(map[string]string),
		now:            time.Now,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func nodeKey(executionID, nodeID string) string {
	return executionID + ":" + nodeID
}

// ExecuteWithRetry runs op under the retry policy. An idempotency key with a
// live cached record short-circuits without invoking op. Fatal errors
// (sandbox policy violations) go straight to DLQ.
func (m *Manager) ExecuteWithRetry(ctx context.Context, nodeID, executionID string, op Op, opts Options) (any, error) {
	policy := m.defaultPolicy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	circuitCfg := m.defaultCircuit
	if opts.Circuit != nil {
		circuitCfg = *opts.Circuit
	}
	breakerKey := BreakerKey(opts.ConnectorID, nodeID)

	// 1. Idempotent replay.
	if opts.IdempotencyKey != "" {
		rec, err := m.idem.Find(ctx, executionID, nodeID, opts.IdempotencyKey, m.now())
		if err != nil {
			log.Printf("retry: idempotency lookup failed for %s/%s: %v", executionID, nodeID, err)
		}
		if rec != nil {
			m.mu.Lock()
			m.stats.CachedKeys++
			m.mu.Unlock()
			observability.IdempotencyHits.WithLabelValues("hit").Inc()
			observability.NodeAttempts.WithLabelValues("cache_hit").Inc()
			return rec.ResultData, nil
		}
		observability.IdempotencyHits.WithLabelValues("miss").Inc()
	}

	record := m.loadOrCreateRecord(executionID, nodeID)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		// 2. Circuit check.
		if err := m.circuits.Allow(breakerKey, circuitCfg, m.now()); err != nil {
			m.recordActionable(opts.OrganizationID, executionID, nodeID, string(CodeCircuitOpen), SeverityError,
				fmt.Sprintf("node %q refused: %v", opts.NodeLabel, err), err.(*CircuitOpenError).Snapshot)
			return nil, err
		}

		started := m.now()
		m.mu.Lock()
		m.stats.Attempts++
		record.Status = "running"
		record.Attempts = append(record.Attempts, AttemptRecord{Attempt: attempt, StartedAt: started})
		record.UpdatedAt = started
		m.mu.Unlock()

		result, err := op(ctx)
		ended := m.now()

		if err == nil {
			// 3. Success path.
			m.finishAttempt(record, attempt, ended, "", nil)
			m.circuits.RecordSuccess(breakerKey, circuitCfg, ended)
			m.mu.Lock()
			m.stats.Successes++
			record.Status = "succeeded"
			m.mu.Unlock()
			observability.NodeAttempts.WithLabelValues("succeeded").Inc()

			if opts.IdempotencyKey != "" {
				idemRec := idempotency.Record{
					ExecutionID: executionID,
					NodeID:      nodeID,
					Key:         opts.IdempotencyKey,
					ResultHash:  idempotency.Hash(result),
					ResultData:  result,
					CreatedAt:   ended,
					ExpiresAt:   ended.Add(idempotency.DefaultTTL),
				}
				if err := m.idem.Upsert(ctx, idemRec); err != nil {
					log.Printf("retry: idempotency upsert failed for %s/%s: %v", executionID, nodeID, err)
				}
			}
			return result, nil
		}

		if susp, ok := err.(Suspender); ok && susp.SuspendSignal() {
			// Control-flow signal, not a failure: the execution is parking
			// and will re-enter this node loop on resume.
			m.finishAttempt(record, attempt, ended, "", nil)
			m.markStatus(record, "waiting")
			return nil, err
		}

		// 4. Failure path.
		lastErr = err
		code := Classify(err)
		m.finishAttempt(record, attempt, ended, code, err)
		m.mu.Lock()
		m.stats.Failures++
		m.mu.Unlock()

		if fatal, ok := err.(Fatal); ok && fatal.FatalError() {
			m.markStatus(record, "dlq")
			observability.NodeAttempts.WithLabelValues("dlq").Inc()
			m.recordActionable(opts.OrganizationID, executionID, nodeID, errorCode(err), SeverityCritical,
				fmt.Sprintf("node %q failed: %v", opts.NodeLabel, err), nil)
			return nil, err
		}

		opened := m.circuits.RecordFailure(breakerKey, circuitCfg, ended)
		if opened {
			snap, _ := m.circuits.Snapshot(breakerKey)
			m.markStatus(record, "failed")
			m.recordActionable(opts.OrganizationID, executionID, nodeID, string(CodeCircuitOpen), SeverityError,
				fmt.Sprintf("node %q opened circuit %s: %v", opts.NodeLabel, breakerKey, err), snap)
			return nil, &CircuitOpenError{Snapshot: snap}
		}

		if !Retryable(code, policy.RetryableErrors) || attempt == policy.MaxAttempts {
			status := "failed"
			outcome := "failed"
			if !Retryable(code, policy.RetryableErrors) && attempt == policy.MaxAttempts {
				// Budget exhausted without ever hitting a retryable class.
				status = "dlq"
				outcome = "dlq"
			}
			m.markStatus(record, status)
			observability.NodeAttempts.WithLabelValues(outcome).Inc()
			m.recordActionable(opts.OrganizationID, executionID, nodeID, string(code), SeverityError,
				fmt.Sprintf("node %q failed: %v", opts.NodeLabel, err), nil)
			return nil, err
		}

		m.markStatus(record, "retrying")
		observability.NodeAttempts.WithLabelValues("retried").Inc()
		observability.RetryAttempts.WithLabelValues(string(code)).Inc()

		delay := backoffDelay(policy, attempt)
		if err := m.sleep(ctx, delay); err != nil {
			m.markStatus(record, "failed")
			return nil, err
		}
	}

	m.markStatus(record, "dlq")
	observability.NodeAttempts.WithLabelValues("dlq").Inc()
	return nil, lastErr
}

// backoffDelay computes min(initial * mult^(attempt-1), max), with ±25%
// jitter when enabled, clamped to at least 100 ms.
func backoffDelay(policy Policy, attempt int) time.Duration {
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(policy.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if time.Duration(delay) >= policy.MaxDelay {
			break
		}
	}
	d := time.Duration(delay)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if policy.JitterEnabled {
		jitter := 0.75 + rand.Float64()*0.5 // #nosec G404 -- retry timing, not security
		d = time.Duration(float64(d) * jitter)
	}
	if d < minBackoff {
		d = minBackoff
	}
	return d
}

func (m *Manager) loadOrCreateRecord(executionID, nodeID string) *ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nodeKey(executionID, nodeID)
	rec, ok := m.records[key]
	if !ok {
		rec = &ExecutionRecord{ExecutionID: executionID, NodeID: nodeID, UpdatedAt: m.now()}
		m.records[key] = rec
	}
	return rec
}

func (m *Manager) finishAttempt(rec *ExecutionRecord, attempt int, ended time.Time, code Code, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		if rec.Attempts[i].Attempt == attempt {
			rec.Attempts[i].EndedAt = ended
			rec.Attempts[i].Code = code
			if err != nil {
				rec.Attempts[i].Error = err.Error()
			}
			break
		}
	}
	rec.UpdatedAt = ended
}

func (m *Manager) markStatus(rec *ExecutionRecord, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Status = status
	rec.UpdatedAt = m.now()
}

// Record returns the retry record for a node, if any.
func (m *Manager) Record(executionID, nodeID string) (ExecutionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[nodeKey(executionID, nodeID)]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *rec, true
}

// CurrentAttempt returns the attempt number in progress (1-based), or the
// count of attempts made so far.
func (m *Manager) CurrentAttempt(executionID, nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[nodeKey(executionID, nodeID)]
	if !ok {
		return 1
	}
	n := len(rec.Attempts)
	if n == 0 {
		return 1
	}
	return n
}

// RegisterRequestHash records the deterministic request hash computed for a
// node call so re-enqueues can verify they reproduce it byte-identically.
func (m *Manager) RegisterRequestHash(executionID, nodeID, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHashes[nodeKey(executionID, nodeID)] = hash
}

// RequestHash returns the registered hash, if any.
func (m *Manager) RequestHash(executionID, nodeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.requestHashes[nodeKey(executionID, nodeID)]
	return h, ok
}

// CircuitSnapshot exposes breaker state for a connector/node.
func (m *Manager) CircuitSnapshot(connectorID, nodeID string) (CircuitSnapshot, bool) {
	return m.circuits.Snapshot(BreakerKey(connectorID, nodeID))
}

// RecordActionable lets collaborators (sandbox supervisor, orchestrator)
// surface operator-facing errors on the shared ring.
func (m *Manager) RecordActionable(e ActionableError) {
	m.ring.record(e)
}

func (m *Manager) recordActionable(organizationID, executionID, nodeID, code string, sev Severity, msg string, details any) {
	m.ring.record(ActionableError{
		OrganizationID: organizationID,
		ExecutionID:    executionID,
		NodeID:         nodeID,
		Code:           code,
		Severity:       sev,
		Message:        msg,
		Details:        details,
		Timestamp:      m.now(),
	})
}

// ActionableErrors queries the bounded error ring.
func (m *Manager) ActionableErrors(f ErrorFilter) []ActionableError {
	return m.ring.query(f)
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := m.stats
	m.mu.Unlock()
	s.OpenBreakers = m.circuits.OpenCount()
	return s
}

// StartCleanup runs the hourly maintenance sweep until ctx is cancelled:
// old retry records, expired idempotency rows, idle closed breakers.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx)
			}
		}
	}()
}

// Cleanup performs one maintenance pass.
func (m *Manager) Cleanup(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	cutoff := now.Add(-recordRetention)
	for key, rec := range m.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m.records, key)
			delete(m.requestHashes, key)
		}
	}
	m.mu.Unlock()

	if n, err := m.idem.DeleteExpired(ctx, now); err != nil {
		log.Printf("retry: idempotency cleanup failed: %v", err)
	} else if n > 0 {
		log.Printf("retry: evicted %d expired idempotency records", n)
	}

	m.circuits.EvictIdleClosed(now.Add(-breakerRetention))
}

func errorCode(err error) string {
	if coded, ok := err.(Coder); ok {
		return coded.ErrorCode()
	}
	return string(Classify(err))
}

// SetClock overrides time and sleep sources. Tests only.
func (m *Manager) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	m.now = now
	if sleep != nil {
		m.sleep = sleep
	}
}
