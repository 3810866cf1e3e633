package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AyushJhin07/Automation-sub003/observability"
)

const rateWindow = 60 * time.Second

// QuotaState tracks running slots, the sliding rate window and connector
// slots. All updates are atomic so concurrent admissions cannot overshoot
// a limit.
type QuotaState interface {
	// AcquireRunning reserves one running slot for the tenant if under max
	// (0 = unlimited). Returns the count before the acquire.
	AcquireRunning(ctx context.Context, orgID string, max int) (bool, int, error)
	ReleaseRunning(ctx context.Context, orgID string) error
	RunningCount(ctx context.Context, orgID string) (int, error)

	// AdmitRate admits one execution into the rolling 60 s window if under
	// limit (0 = unlimited). Returns the window count after admission (or
	// the blocking count on deny).
	AdmitRate(ctx context.Context, orgID string, limit int, now time.Time) (bool, int, error)

	AcquireConnector(ctx context.Context, orgID, connectorID string, max int) (bool, error)
	ReleaseConnector(ctx context.Context, orgID, connectorID string) error
}

// MemoryQuotaState serves single-node mode and tests.
type MemoryQuotaState struct {
	mu         sync.Mutex
	running    map[string]int
	window     map[string][]time.Time
	connectors map[string]int
}

func NewMemoryQuotaState() *MemoryQuotaState {
	return &MemoryQuotaState{
		running:    make(map[string]int),
		window:     make(map[string][]time.Time),
		connectors: make(map[string]int),
	}
}

func (s *MemoryQuotaState) AcquireRunning(ctx context.Context, orgID string, max int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.running[orgID]
	if max > 0 && cur >= max {
		return false, cur, nil
	}
	s.running[orgID] = cur + 1
	observability.RunningSlots.WithLabelValues(orgID).Set(float64(cur + 1))
	return true, cur, nil
}

func (s *MemoryQuotaState) ReleaseRunning(ctx context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[orgID] > 0 {
		s.running[orgID]--
	}
	observability.RunningSlots.WithLabelValues(orgID).Set(float64(s.running[orgID]))
	return nil
}

func (s *MemoryQuotaState) RunningCount(ctx context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[orgID], nil
}

func (s *MemoryQuotaState) AdmitRate(ctx context.Context, orgID string, limit int, now time.Time) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-rateWindow)
	kept := s.window[orgID][:0]
	for _, t := range s.window[orgID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if limit > 0 && len(kept) >= limit {
		s.window[orgID] = kept
		return false, len(kept), nil
	}
	s.window[orgID] = append(kept, now)
	return true, len(kept) + 1, nil
}

func (s *MemoryQuotaState) AcquireConnector(ctx context.Context, orgID, connectorID string, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orgID + ":" + connectorID
	if max > 0 && s.connectors[key] >= max {
		return false, nil
	}
	s.connectors[key]++
	return true, nil
}

func (s *MemoryQuotaState) ReleaseConnector(ctx context.Context, orgID, connectorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orgID + ":" + connectorID
	if s.connectors[key] > 0 {
		s.connectors[key]--
	}
	return nil
}

// RedisQuotaState shares counters across workers. Running and connector
// slots are bounded INCRs; the rate window is a timestamp ZSET pruned and
// counted in one script.
type RedisQuotaState struct {
	client *redis.Client
}

func NewRedisQuotaState(client *redis.Client) *RedisQuotaState {
	return &RedisQuotaState{client: client}
}

// boundedIncrScript increments KEYS[1] only while below ARGV[1] (0 = no
// bound). Returns {acquired, previous}.
const boundedIncrScript = `
	local cur = tonumber(redis.call("get", KEYS[1]) or "0")
	local max = tonumber(ARGV[1])
	if max > 0 and cur >= max then
		return {0, cur}
	end
	redis.call("incr", KEYS[1])
	return {1, cur}
`

// rateWindowScript prunes entries older than the window, then admits if
// under limit. Returns {admitted, count}.
const rateWindowScript = `
	redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[1])
	local count = redis.call("zcard", KEYS[1])
	local limit = tonumber(ARGV[2])
	if limit > 0 and count >= limit then
		return {0, count}
	end
	redis.call("zadd", KEYS[1], ARGV[3], ARGV[4])
	redis.call("pexpire", KEYS[1], ARGV[5])
	return {1, count + 1}
`

// rateMember mints a unique ZSET member for one window admission. Two
// admissions inside the same nanosecond must still count separately, so a
// random suffix backs the timestamp.
func rateMember(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano(), strings.Split(uuid.NewString(), "-")[0])
}

func runningKey(orgID string) string { return "engine:quota:running:" + orgID }

func windowKey(orgID string) string { return "engine:quota:window:" + orgID }

func connectorKey(orgID, connectorID string) string {
	return "engine:quota:connector:" + orgID + ":" + connectorID
}

func (s *RedisQuotaState) AcquireRunning(ctx context.Context, orgID string, max int) (bool, int, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	res, err := s.client.Eval(ctx, boundedIncrScript, []string{runningKey(orgID)}, max).Result()
	if err != nil {
		return false, 0, err
	}
	acquired, prev := decodePair(res)
	if acquired {
		observability.RunningSlots.WithLabelValues(orgID).Set(float64(prev + 1))
	}
	return acquired, prev, nil
}

func (s *RedisQuotaState) ReleaseRunning(ctx context.Context, orgID string) error {
	// Never below zero: a rescued job may double-release.
	const script = `
		local cur = tonumber(redis.call("get", KEYS[1]) or "0")
		if cur > 0 then
			return redis.call("decr", KEYS[1])
		end
		return 0
	`
	res, err := s.client.Eval(ctx, script, []string{runningKey(orgID)}).Result()
	if err != nil {
		return err
	}
	if v, ok := res.(int64); ok {
		observability.RunningSlots.WithLabelValues(orgID).Set(float64(v))
	}
	return nil
}

func (s *RedisQuotaState) RunningCount(ctx context.Context, orgID string) (int, error) {
	n, err := s.client.Get(ctx, runningKey(orgID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisQuotaState) AdmitRate(ctx context.Context, orgID string, limit int, now time.Time) (bool, int, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	nowMS := now.UnixMilli()
	res, err := s.client.Eval(ctx, rateWindowScript, []string{windowKey(orgID)},
		nowMS-rateWindow.Milliseconds(), limit, nowMS, rateMember(now), rateWindow.Milliseconds()*2,
	).Result()
	if err != nil {
		return false, 0, err
	}
	admitted, count := decodePair(res)
	return admitted, count, nil
}

func (s *RedisQuotaState) AcquireConnector(ctx context.Context, orgID, connectorID string, max int) (bool, error) {
	res, err := s.client.Eval(ctx, boundedIncrScript, []string{connectorKey(orgID, connectorID)}, max).Result()
	if err != nil {
		return false, err
	}
	acquired, _ := decodePair(res)
	return acquired, nil
}

func (s *RedisQuotaState) ReleaseConnector(ctx context.Context, orgID, connectorID string) error {
	const script = `
		local cur = tonumber(redis.call("get", KEYS[1]) or "0")
		if cur > 0 then
			redis.call("decr", KEYS[1])
		end
		return 0
	`
	_, err := s.client.Eval(ctx, script, []string{connectorKey(orgID, connectorID)}).Result()
	return err
}

// decodePair unpacks a {flag, count} Lua reply.
func decodePair(res any) (bool, int) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return false, 0
	}
	flag, _ := arr[0].(int64)
	count, _ := arr[1].(int64)
	return flag == 1, int(count)
}
