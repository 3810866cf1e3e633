package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AyushJhin07/Automation-sub003/observability"
)

const keyPrefix = "engine:idem:"

// RedisStore is the durable idempotency backend. Records carry their own
// ExpiresAt and additionally expire server-side via the key TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns the connection.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(executionID, nodeID, key string) string {
	return keyPrefix + executionID + ":" + nodeID + ":" + key
}

func (s *RedisStore) Find(ctx context.Context, executionID, nodeID, key string, now time.Time) (*Record, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := s.client.Get(ctx, s.key(executionID, nodeID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	// The key TTL and the embedded expiry can drift by a tick; the embedded
	// expiry is the contract.
	if rec.Expired(now) {
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(DefaultTTL)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key(rec.ExecutionID, rec.NodeID, rec.Key), data, ttl).Err()
}

// DeleteExpired is a no-op for Redis: key TTLs evict server-side.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}

// Fallback returns an idempotency Store backed by Redis when a client is
// available and by process memory otherwise. The memory store is an
// authoritative replacement for the current process, not a cache.
func Fallback(client *redis.Client) Store {
	if client != nil {
		return NewRedisStore(client)
	}
	return NewMemoryStore()
}
