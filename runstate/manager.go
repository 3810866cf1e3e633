package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AyushJhin07/Automation-sub003/observability"
	"github.com/AyushJhin07/Automation-sub003/workflow"
)

const (
	// Timeline attribute values larger than this are truncated.
	maxAttributeBytes = 8 * 1024

	defaultRetention     = 30 * 24 * time.Hour
	retentionSweepPeriod = 2 * time.Hour
)

// Manager is the run-state recording surface. Every mutation appends a
// timeline event; reads return rollups consistent across both stores.
type Manager struct {
	store     Store
	region    string
	retention time.Duration
}

func NewManager(store Store, region string) *Manager {
	return &Manager{store: store, region: region, retention: defaultRetention}
}

// SetRetention overrides the default 30 day execution TTL.
func (m *Manager) SetRetention(d time.Duration) {
	if d > 0 {
		m.retention = d
	}
}

// Store exposes the underlying store for callers that persist leases or
// timers directly.
func (m *Manager) Store() Store { return m.store }

// StartParams describes a new execution row.
type StartParams struct {
	ExecutionID    string
	Workflow       *workflow.Workflow
	OrganizationID string
	UserID         string
	TriggerType    string
	TriggerData    map[string]any
	Tags           []string
	Metadata       map[string]any
	CorrelationID  string // reuse on replay; generated when empty
}

// StartExecution writes the queued execution row with a fresh correlation
// id and the execution_started timeline event.
func (m *Manager) StartExecution(ctx context.Context, p StartParams) (*Execution, error) {
	corr := p.CorrelationID
	if corr == "" {
		corr = NewCorrelationID()
	}
	now := time.Now()
	e := &Execution{
		ID:             p.ExecutionID,
		WorkflowID:     p.Workflow.ID,
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		Region:         m.region,
		Status:         StatusQueued,
		TriggerType:    p.TriggerType,
		TriggerData:    p.TriggerData,
		NodeOutputs:    make(map[string]any),
		CorrelationID:  corr,
		Tags:           p.Tags,
		Metadata:       p.Metadata,
		StartedAt:      now,
		TotalNodes:     len(p.Workflow.Nodes),
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	appendTimeline(e, "execution_started", "", map[string]any{
		"workflow_id":  p.Workflow.ID,
		"trigger_type": p.TriggerType,
		"total_nodes":  len(p.Workflow.Nodes),
	})
	if err := m.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("runstate: create execution: %w", err)
	}
	return e, nil
}

// NewCorrelationID mints a correlation id in the corr_<epoch>_<rand> form.
func NewCorrelationID() string {
	return fmt.Sprintf("corr_%d_%s", time.Now().UnixMilli(), strings.Split(uuid.NewString(), "-")[0])
}

// MarkRunning transitions queued (or waiting, on resume) to running and
// stamps the worker lease.
func (m *Manager) MarkRunning(ctx context.Context, id string, lease *Lease) (*Execution, error) {
	e, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if TerminalStatus(e.Status) {
		return nil, fmt.Errorf("runstate: execution %s is terminal (%s)", id, e.Status)
	}
	e.Status = StatusRunning
	e.Lease = lease
	e.WaitReason = ""
	e.ResumeAt = nil
	if err := m.store.UpdateExecution(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// PersistLease writes the current lease back to the execution row. Called
// from the heartbeat pump at the persist interval.
func (m *Manager) PersistLease(ctx context.Context, id string, lease *Lease) error {
	e, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	e.Lease = lease
	return m.store.UpdateExecution(ctx, e)
}

// NodeStartOptions carries per-attempt context into the attempt record.
type NodeStartOptions struct {
	Attempt        int // from the retry manager; 1-based
	TimeoutMS      int64
	ConnectorID    string
	IdempotencyKey string
}

// StartNodeExecution creates the attempt row and the node_started event.
func (m *Manager) StartNodeExecution(ctx context.Context, executionID string, node *workflow.Node, input any, opts NodeStartOptions) (*NodeAttempt, error) {
	attempt := opts.Attempt
	if attempt < 1 {
		attempt = 1
	}
	a := &NodeAttempt{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Attempt:     attempt,
		Status:      AttemptRunning,
		StartedAt:   time.Now(),
		Input:       capValue(input),
		Metadata: map[string]any{
			"node_label":      node.Label,
			"node_kind":       string(node.Kind),
			"timeout_ms":      opts.TimeoutMS,
			"connector_id":    opts.ConnectorID,
			"idempotency_key": opts.IdempotencyKey,
		},
	}
	if err := m.store.CreateNodeAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("runstate: create node attempt: %w", err)
	}
	m.appendExecutionEvent(ctx, executionID, "node_started", node.ID, map[string]any{
		"attempt":      attempt,
		"connector_id": opts.ConnectorID,
	})
	return a, nil
}

// NodeResultMetadata carries post-attempt rollup inputs.
type NodeResultMetadata struct {
	RequestHash  string
	ResultHash   string
	CircuitState string
	CacheHit     bool
	CostUSD      float64
	Tokens       int64
	RetryHistory []RetryEvent
}

// CompleteNodeExecution stamps success and folds the node's usage into the
// execution rollups.
func (m *Manager) CompleteNodeExecution(ctx context.Context, executionID, nodeID string, attempt int, output any, meta NodeResultMetadata) error {
	a, err := m.store.GetNodeAttempt(ctx, executionID, nodeID, attempt)
	if err != nil {
		return err
	}
	now := time.Now()
	a.Status = AttemptSucceeded
	a.EndedAt = &now
	a.Output = capValue(output)
	a.RetryHistory = meta.RetryHistory
	mergeResultMetadata(a, meta)
	if err := m.store.UpdateNodeAttempt(ctx, a); err != nil {
		return err
	}

	e, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.NodeOutputs == nil {
		e.NodeOutputs = make(map[string]any)
	}
	e.NodeOutputs[nodeID] = output
	updateRollups(e, a, meta)
	appendTimeline(e, "node_completed", nodeID, map[string]any{
		"attempt":     attempt,
		"duration_ms": now.Sub(a.StartedAt).Milliseconds(),
		"cache_hit":   meta.CacheHit,
	})
	return m.store.UpdateExecution(ctx, e)
}

// FailNodeExecution stamps a failed (or dlq) attempt.
func (m *Manager) FailNodeExecution(ctx context.Context, executionID, nodeID string, attempt int, nodeErr error, status string, meta NodeResultMetadata) error {
	if status == "" {
		status = AttemptFailed
	}
	a, err := m.store.GetNodeAttempt(ctx, executionID, nodeID, attempt)
	if err != nil {
		return err
	}
	now := time.Now()
	a.Status = status
	a.EndedAt = &now
	a.Error = capString(nodeErr.Error())
	a.RetryHistory = meta.RetryHistory
	mergeResultMetadata(a, meta)
	if err := m.store.UpdateNodeAttempt(ctx, a); err != nil {
		return err
	}
	m.appendExecutionEvent(ctx, executionID, "node_failed", nodeID, map[string]any{
		"attempt": attempt,
		"status":  status,
		"error":   capString(nodeErr.Error()),
	})
	return nil
}

// MarkExecutionWaiting transitions a running execution to waiting.
func (m *Manager) MarkExecutionWaiting(ctx context.Context, id, reason string, resumeAt time.Time) error {
	e, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if TerminalStatus(e.Status) {
		return fmt.Errorf("runstate: execution %s is terminal (%s)", id, e.Status)
	}
	e.Status = StatusWaiting
	e.WaitReason = reason
	e.ResumeAt = &resumeAt
	e.Lease = nil
	appendTimeline(e, "execution_waiting", "", map[string]any{
		"reason":    reason,
		"resume_at": resumeAt,
	})
	return m.store.UpdateExecution(ctx, e)
}

// CompleteExecution finalizes the run. A non-empty errStr yields failed,
// otherwise completed; partial when some nodes succeeded before a failure.
func (m *Manager) CompleteExecution(ctx context.Context, id string, outputs map[string]any, errStr string) error {
	e, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if TerminalStatus(e.Status) {
		return nil // idempotent; a rescued worker may double-report
	}
	now := time.Now()
	switch {
	case errStr == "":
		e.Status = StatusCompleted
	case len(e.NodeOutputs) > 0:
		e.Status = StatusPartial
		e.Error = capString(errStr)
	default:
		e.Status = StatusFailed
		e.Error = capString(errStr)
	}
	if outputs != nil {
		e.NodeOutputs = outputs
	}
	e.CompletedAt = &now
	e.DurationMS = now.Sub(e.StartedAt).Milliseconds()
	e.Lease = nil
	appendTimeline(e, "execution_completed", "", map[string]any{
		"status":      e.Status,
		"duration_ms": e.DurationMS,
	})
	if err := m.store.UpdateExecution(ctx, e); err != nil {
		return err
	}
	observability.ExecutionsCompleted.WithLabelValues(e.Status).Inc()
	observability.ExecutionDuration.Observe(float64(e.DurationMS) / 1000)
	return nil
}

// GetExecution returns one execution by id.
func (m *Manager) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return m.store.GetExecution(ctx, id)
}

// ListByCorrelation returns all executions sharing a correlation id.
func (m *Manager) ListByCorrelation(ctx context.Context, correlationID string) ([]*Execution, error) {
	return m.store.ListByCorrelation(ctx, correlationID)
}

// ListExecutions runs a filtered query.
func (m *Manager) ListExecutions(ctx context.Context, f Filter) ([]*Execution, error) {
	return m.store.ListExecutions(ctx, f)
}

// ListNodeAttempts returns all attempts for one execution.
func (m *Manager) ListNodeAttempts(ctx context.Context, executionID string) ([]*NodeAttempt, error) {
	return m.store.ListNodeAttempts(ctx, executionID)
}

// StatsWindow aggregates one organization's executions started within the
// window. The org filter is the tenant-isolation boundary for this query;
// callers must never pass it empty on a tenant-facing path.
func (m *Manager) StatsWindow(ctx context.Context, organizationID, window string) (*Stats, error) {
	var span time.Duration
	switch window {
	case "hour":
		span = time.Hour
	case "day":
		span = 24 * time.Hour
	case "week":
		span = 7 * 24 * time.Hour
	default:
		return nil, fmt.Errorf("runstate: unknown stats window %q", window)
	}
	list, err := m.store.ListExecutions(ctx, Filter{
		OrganizationID: organizationID,
		DateFrom:       time.Now().Add(-span),
		Limit:          10000,
	})
	if err != nil {
		return nil, err
	}
	stats := &Stats{Window: window, ByStatus: make(map[string]int)}
	var totalDuration int64
	var completed int
	for _, e := range list {
		stats.Total++
		stats.ByStatus[e.Status]++
		if e.DurationMS > 0 {
			totalDuration += e.DurationMS
			completed++
		}
		if hits, ok := e.Metadata["cache_hits"].(float64); ok {
			stats.CacheHits += int(hits)
		} else if hits, ok := e.Metadata["cache_hits"].(int); ok {
			stats.CacheHits += hits
		}
	}
	if completed > 0 {
		stats.AvgDurationMS = totalDuration / int64(completed)
	}
	return stats, nil
}

// StartCleanup launches the retention sweeper. It runs every 2 hours until
// ctx is cancelled.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(retentionSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-m.retention)
				n, err := m.store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					log.Printf("[runstate] retention sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("[runstate] retention sweep deleted %d executions older than %s", n, cutoff.Format(time.RFC3339))
				}
			}
		}
	}()
}

func (m *Manager) appendExecutionEvent(ctx context.Context, executionID, eventType, nodeID string, attrs map[string]any) {
	e, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		log.Printf("[runstate] timeline append skipped for %s: %v", executionID, err)
		return
	}
	appendTimeline(e, eventType, nodeID, attrs)
	if err := m.store.UpdateExecution(ctx, e); err != nil {
		log.Printf("[runstate] timeline update failed for %s: %v", executionID, err)
	}
}

func appendTimeline(e *Execution, eventType, nodeID string, attrs map[string]any) {
	e.Timeline = append(e.Timeline, TimelineEvent{
		Type:       eventType,
		NodeID:     nodeID,
		Timestamp:  time.Now(),
		Attributes: sanitizeAttributes(attrs),
	})
}

func mergeResultMetadata(a *NodeAttempt, meta NodeResultMetadata) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	if meta.RequestHash != "" {
		a.Metadata["request_hash"] = meta.RequestHash
	}
	if meta.ResultHash != "" {
		a.Metadata["result_hash"] = meta.ResultHash
	}
	if meta.CircuitState != "" {
		a.Metadata["circuit_state"] = meta.CircuitState
	}
	a.Metadata["cache_hit"] = meta.CacheHit
	if meta.CostUSD > 0 {
		a.Metadata["cost_usd"] = meta.CostUSD
	}
	if meta.Tokens > 0 {
		a.Metadata["tokens"] = meta.Tokens
	}
}

// updateRollups folds one successful attempt into the execution metadata:
// cost, tokens, cache-hit count, average node duration.
func updateRollups(e *Execution, a *NodeAttempt, meta NodeResultMetadata) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	addFloat := func(key string, v float64) {
		cur, _ := e.Metadata[key].(float64)
		e.Metadata[key] = cur + v
	}
	addFloat("total_cost_usd", meta.CostUSD)
	addFloat("total_tokens", float64(meta.Tokens))
	if meta.CacheHit {
		addFloat("cache_hits", 1)
	}
	addFloat("nodes_completed", 1)
	if a.EndedAt != nil {
		dur := float64(a.EndedAt.Sub(a.StartedAt).Milliseconds())
		sum, _ := e.Metadata["node_duration_ms_sum"].(float64)
		count, _ := e.Metadata["nodes_completed"].(float64)
		e.Metadata["node_duration_ms_sum"] = sum + dur
		if count > 0 {
			e.Metadata["avg_node_duration_ms"] = (sum + dur) / count
		}
	}
}

// sanitizeAttributes caps attribute values so one oversized payload cannot
// bloat the timeline.
func sanitizeAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = capValue(v)
	}
	return out
}

func capValue(v any) any {
	switch x := v.(type) {
	case string:
		return capString(x)
	case nil, bool, int, int64, float64, time.Time:
		return x
	default:
		raw, err := json.Marshal(x)
		if err != nil || len(raw) <= maxAttributeBytes {
			return x
		}
		return capString(string(raw))
	}
}

func capString(s string) string {
	if len(s) <= maxAttributeBytes {
		return s
	}
	return s[:maxAttributeBytes] + "...[truncated]"
}
