package runstate

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps run state in process. Single-node mode only; reads
// and writes go through cloneExecution/cloneAttempt/cloneTimer so callers
// and the store never share map or slice backing storage. The manager
// mutates returned records outside the store lock, so a shared map here
// is a concurrent-map-write crash, not just aliasing.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	attempts   map[string][]*NodeAttempt // executionID -> attempts
	timers     map[string]*WorkflowTimer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		attempts:   make(map[string][]*NodeAttempt),
		timers:     make(map[string]*WorkflowTimer),
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(e), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return ErrNotFound
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f Filter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, e := range s.executions {
		if matchesFilter(e, f) {
			out = append(out, cloneExecution(e))
		}
	}
	sortExecutions(out, f.Sort)
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) ListByCorrelation(ctx context.Context, correlationID string) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, e := range s.executions {
		if e.CorrelationID == correlationID {
			out = append(out, cloneExecution(e))
		}
	}
	sortExecutions(out, "")
	return out, nil
}

func (s *MemoryStore) CreateNodeAttempt(ctx context.Context, a *NodeAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ExecutionID] = append(s.attempts[a.ExecutionID], cloneAttempt(a))
	return nil
}

func (s *MemoryStore) UpdateNodeAttempt(ctx context.Context, a *NodeAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.attempts[a.ExecutionID] {
		if existing.NodeID == a.NodeID && existing.Attempt == a.Attempt {
			s.attempts[a.ExecutionID][i] = cloneAttempt(a)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetNodeAttempt(ctx context.Context, executionID, nodeID string, attempt int) (*NodeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attempts[executionID] {
		if a.NodeID == nodeID && a.Attempt == attempt {
			return cloneAttempt(a), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListNodeAttempts(ctx context.Context, executionID string) ([]*NodeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[executionID]
	out := make([]*NodeAttempt, 0, len(src))
	for _, a := range src {
		out = append(out, cloneAttempt(a))
	}
	return out, nil
}

func (s *MemoryStore) CreateTimer(ctx context.Context, t *WorkflowTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.ID] = cloneTimer(t)
	return nil
}

func (s *MemoryStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*WorkflowTimer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkflowTimer
	for _, t := range s.timers {
		if t.Status == TimerPending && !t.ResumeAt.After(now) {
			out = append(out, cloneTimer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResumeAt.Before(out[j].ResumeAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != TimerPending {
		return ErrTimerClaimed
	}
	t.Status = TimerInFlight
	return nil
}

func (s *MemoryStore) CompleteTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = TimerComplete
	return nil
}

func (s *MemoryStore) RescheduleTimer(ctx context.Context, id string, resumeAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = TimerPending
	t.ResumeAt = resumeAt
	t.Attempts++
	t.LastError = lastError
	return nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, e := range s.executions {
		if TerminalStatus(e.Status) && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(s.executions, id)
			delete(s.attempts, id)
			for tid, t := range s.timers {
				if t.ExecutionID == id {
					delete(s.timers, tid)
				}
			}
			deleted++
		}
	}
	return deleted, nil
}

// cloneExecution copies an execution deeply enough that no map or slice
// backing storage is shared between the store and the caller. Values
// inside NodeOutputs/TriggerData are treated as immutable once stored.
func cloneExecution(e *Execution) *Execution {
	cp := *e
	cp.TriggerData = cloneAnyMap(e.TriggerData)
	cp.NodeOutputs = cloneAnyMap(e.NodeOutputs)
	cp.Metadata = cloneAnyMap(e.Metadata)
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	if e.Timeline != nil {
		cp.Timeline = make([]TimelineEvent, len(e.Timeline))
		for i, ev := range e.Timeline {
			ev.Attributes = cloneAnyMap(ev.Attributes)
			cp.Timeline[i] = ev
		}
	}
	if e.Lease != nil {
		lease := *e.Lease
		cp.Lease = &lease
	}
	if e.ResumeAt != nil {
		t := *e.ResumeAt
		cp.ResumeAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneAttempt(a *NodeAttempt) *NodeAttempt {
	cp := *a
	cp.Metadata = cloneAnyMap(a.Metadata)
	if a.RetryHistory != nil {
		cp.RetryHistory = append([]RetryEvent(nil), a.RetryHistory...)
	}
	if a.EndedAt != nil {
		t := *a.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func cloneTimer(t *WorkflowTimer) *WorkflowTimer {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &cp
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func matchesFilter(e *Execution, f Filter) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if e.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.DateFrom.IsZero() && e.StartedAt.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && e.StartedAt.After(f.DateTo) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range e.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortExecutions(list []*Execution, key string) {
	switch key {
	case "duration":
		sort.Slice(list, func(i, j int) bool { return list[i].DurationMS > list[j].DurationMS })
	default:
		sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })
	}
}

func paginate(list []*Execution, offset, limit int) []*Execution {
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
