package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTokenInvalid covers unknown, expired and already-consumed tokens.
// Callers get one error so probing cannot distinguish the cases.
var ErrTokenInvalid = errors.New("orchestrator: resume token invalid")

// ResumeToken authorizes one external callback to resume one execution.
// Single use; expires at the execution's waitUntil.
type ResumeToken struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewResumeToken mints a token for a waiting execution.
func NewResumeToken(executionID, nodeID string, expiresAt time.Time) ResumeToken {
	return ResumeToken{ID: uuid.NewString(), ExecutionID: executionID, NodeID: nodeID, ExpiresAt: expiresAt}
}

// TokenStore issues and consumes resume tokens.
type TokenStore interface {
	Issue(ctx context.Context, t ResumeToken) error
	// Consume validates and burns the token; the second consume of the same
	// token fails with ErrTokenInvalid.
	Consume(ctx context.Context, tokenID, executionID string, now time.Time) (*ResumeToken, error)
}

// MemoryTokenStore serves single-node mode and tests.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]ResumeToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]ResumeToken)}
}

func (s *MemoryTokenStore) Issue(ctx context.Context, t ResumeToken) error {
	s.mu.Lock()
	s.tokens[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Consume(ctx context.Context, tokenID, executionID string, now time.Time) (*ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenID]
	if !ok || t.ExecutionID != executionID || now.After(t.ExpiresAt) {
		return nil, ErrTokenInvalid
	}
	delete(s.tokens, tokenID)
	return &t, nil
}

// RedisTokenStore shares tokens across workers. Consume is a single
// owner-checked GET+DEL so two callbacks cannot both succeed.
type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(id string) string { return "engine:resume_token:" + id }

func (s *RedisTokenStore) Issue(ctx context.Context, t ResumeToken) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return ErrTokenInvalid
	}
	return s.client.Set(ctx, tokenKey(t.ID), payload, ttl).Err()
}

const consumeTokenScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return false
	end
	redis.call("del", KEYS[1])
	return val
`

func (s *RedisTokenStore) Consume(ctx context.Context, tokenID, executionID string, now time.Time) (*ResumeToken, error) {
	res, err := s.client.Eval(ctx, consumeTokenScript, []string{tokenKey(tokenID)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	payload, ok := res.(string)
	if !ok || payload == "" {
		return nil, ErrTokenInvalid
	}
	var t ResumeToken
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, err
	}
	if t.ExecutionID != executionID || now.After(t.ExpiresAt) {
		return nil, ErrTokenInvalid
	}
	return &t, nil
}
