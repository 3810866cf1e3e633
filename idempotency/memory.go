package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process idempotency backend. It is not a cache in
// front of something else: when Redis is unavailable it is the authoritative
// store for the current process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record

	// CountActive is cached until the next Upsert.
	countValid bool
	count      int
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func recordKey(executionID, nodeID, key string) string {
	return executionID + ":" + nodeID + ":" + key
}

func (s *MemoryStore) Find(ctx context.Context, executionID, nodeID, key string, now time.Time) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(executionID, nodeID, key)]
	if !ok || rec.Expired(now) {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(DefaultTTL)
	}
	s.records[recordKey(rec.ExecutionID, rec.NodeID, rec.Key)] = rec
	s.countValid = false
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			deleted++
		}
	}
	if deleted > 0 {
		s.countValid = false
	}
	return deleted, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countValid {
		return s.count, nil
	}
	count := 0
	for _, rec := range s.records {
		if !rec.Expired(now) {
			count++
		}
	}
	s.count = count
	s.countValid = true
	return count, nil
}
