package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AyushJhin07/Automation-sub003/observability"
)

// RedisQueue is the durable driver. Layout (prefix engine:queue:<region>):
//
//	:groups        LIST   rotation of group keys (round-robin fairness)
//	:group:<org>   LIST   waiting execution ids for one tenant
//	:job:<id>      STRING JSON job payload (doubles as the dedupe marker)
//	:active:<org>  STRING in-flight count for one tenant
//	:lock:<id>     STRING lock token, PX = lock duration
//	:leases        ZSET   "<org>|<id>" scored by lock expiry (ms)
//	:delayed       ZSET   "<org>|<id>" scored by ready time (ms)
type RedisQueue struct {
	client *redis.Client
	opts   Options
	prefix string
}

func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	opts = opts.withDefaults()
	return &RedisQueue{
		client: client,
		opts:   opts,
		prefix: "engine:queue:" + opts.Region,
	}
}

func (q *RedisQueue) Name() string { return "durable" }

func (q *RedisQueue) key(parts ...string) string {
	return q.prefix + ":" + strings.Join(parts, ":")
}

// reserveScript pops one waiting job from a group if the group is under
// its in-flight cap. Atomic so two workers never double-claim.
const reserveScript = `
	local active = tonumber(redis.call("get", KEYS[2]) or "0")
	if active >= tonumber(ARGV[1]) then
		return false
	end
	local id = redis.call("lpop", KEYS[1])
	if not id then
		return false
	end
	redis.call("incr", KEYS[2])
	return id
`

// renewScript extends the lock only for its current owner: the token is
// checked before PEXPIRE so a stale holder cannot extend.
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return -2
`

// releaseScript deletes the lock only for its current owner.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

func (q *RedisQueue) Add(ctx context.Context, job *Job) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	// The job key is the dedupe marker; a second Add is a no-op.
	created, err := q.client.SetNX(ctx, q.key("job", job.ExecutionID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.key("group", job.OrganizationID), job.ExecutionID)
	// LPos-free group registration: remove then append keeps one entry.
	pipe.LRem(ctx, q.key("groups"), 0, job.OrganizationID)
	pipe.RPush(ctx, q.key("groups"), job.OrganizationID)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Reserve(ctx context.Context, workerID string) (*Delivery, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	n, err := q.client.LLen(ctx, q.key("groups")).Result()
	if err != nil {
		return nil, err
	}
	for i := int64(0); i < n; i++ {
		// Rotate: the group at the tail moves to the head, so successive
		// reserves walk tenants round-robin.
		org, err := q.client.RPopLPush(ctx, q.key("groups"), q.key("groups")).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := q.client.Eval(ctx, reserveScript,
			[]string{q.key("group", org), q.key("active", org)},
			q.opts.TenantConcurrency,
		).Result()
		if err != nil {
			return nil, err
		}
		id, ok := res.(string)
		if !ok || id == "" {
			continue
		}
		return q.lockAndDeliver(ctx, org, id)
	}
	return nil, nil
}

func (q *RedisQueue) lockAndDeliver(ctx context.Context, org, executionID string) (*Delivery, error) {
	payload, err := q.client.Get(ctx, q.key("job", executionID)).Result()
	if errors.Is(err, redis.Nil) {
		// Job record vanished (completed elsewhere); undo the claim.
		q.client.Decr(ctx, q.key("active", org))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", executionID, err)
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(q.opts.LockDuration)
	if err := q.client.Set(ctx, q.key("lock", executionID), token, q.opts.LockDuration).Err(); err != nil {
		return nil, err
	}
	if err := q.client.ZAdd(ctx, q.key("leases"), redis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: leaseMember(org, executionID),
	}).Err(); err != nil {
		return nil, err
	}
	return &Delivery{Job: &job, LockToken: token, LockExpiresAt: expiresAt}, nil
}

func (q *RedisQueue) Renew(ctx context.Context, executionID, lockToken string) (time.Time, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	res, err := q.client.Eval(ctx, renewScript,
		[]string{q.key("lock", executionID)},
		lockToken, q.opts.LockDuration.Milliseconds(),
	).Result()
	if err != nil {
		return time.Time{}, err
	}
	if v, ok := res.(int64); !ok || v != 1 {
		observability.LeaseRenewals.WithLabelValues("lost").Inc()
		return time.Time{}, ErrLockLost
	}

	expiresAt := time.Now().Add(q.opts.LockDuration)
	org, err := q.orgOf(ctx, executionID)
	if err == nil && org != "" {
		q.client.ZAdd(ctx, q.key("leases"), redis.Z{
			Score:  float64(expiresAt.UnixMilli()),
			Member: leaseMember(org, executionID),
		})
	}
	observability.LeaseRenewals.WithLabelValues("renewed").Inc()
	return expiresAt, nil
}

func (q *RedisQueue) Complete(ctx context.Context, executionID, lockToken string) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	org, err := q.orgOf(ctx, executionID)
	if err != nil {
		return err
	}
	if err := q.releaseLock(ctx, executionID, lockToken); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.key("job", executionID))
	pipe.Decr(ctx, q.key("active", org))
	pipe.ZRem(ctx, q.key("leases"), leaseMember(org, executionID))
	pipe.Incr(ctx, q.key("completed"))
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, executionID, lockToken, reason string) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	payload, err := q.client.Get(ctx, q.key("job", executionID)).Result()
	if err != nil {
		return err
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return err
	}
	if err := q.releaseLock(ctx, executionID, lockToken); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Decr(ctx, q.key("active", job.OrganizationID))
	pipe.ZRem(ctx, q.key("leases"), leaseMember(job.OrganizationID, executionID))

	if job.Attempt >= q.opts.MaxRetries+1 {
		pipe.Del(ctx, q.key("job", executionID))
		pipe.Incr(ctx, q.key("failed"))
		_, err = pipe.Exec(ctx)
		return err
	}

	job.Attempt++
	updated, merr := json.Marshal(&job)
	if merr != nil {
		return merr
	}
	readyAt := time.Now().Add(backoffDelay(q.opts, job.Attempt))
	pipe.Set(ctx, q.key("job", executionID), updated, 0)
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: leaseMember(job.OrganizationID, executionID),
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) releaseLock(ctx context.Context, executionID, lockToken string) error {
	res, err := q.client.Eval(ctx, releaseScript, []string{q.key("lock", executionID)}, lockToken).Result()
	if err != nil {
		return err
	}
	if v, ok := res.(int64); !ok || v != 1 {
		return ErrLockLost
	}
	return nil
}

// promoteDelayed moves due delayed jobs back onto their group lists.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := time.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		org, id, ok := splitLeaseMember(m)
		if !ok {
			q.client.ZRem(ctx, q.key("delayed"), m)
			continue
		}
		removed, err := q.client.ZRem(ctx, q.key("delayed"), m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it
		}
		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, q.key("group", org), id)
		pipe.LRem(ctx, q.key("groups"), 0, org)
		pipe.RPush(ctx, q.key("groups"), org)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	members, err := q.client.ZRangeByScore(ctx, q.key("leases"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, m := range members {
		org, id, ok := splitLeaseMember(m)
		if !ok {
			q.client.ZRem(ctx, q.key("leases"), m)
			continue
		}
		removed, err := q.client.ZRem(ctx, q.key("leases"), m).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.Del(ctx, q.key("lock", id))
		pipe.Decr(ctx, q.key("active", org))
		pipe.RPush(ctx, q.key("group", org), id)
		pipe.LRem(ctx, q.key("groups"), 0, org)
		pipe.RPush(ctx, q.key("groups"), org)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, err
		}
		observability.LeaseRescues.Inc()
		reclaimed++
	}
	return reclaimed, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	orgs, err := q.client.LRange(ctx, q.key("groups"), 0, -1).Result()
	if err != nil {
		return c, err
	}
	for _, org := range orgs {
		n, err := q.client.LLen(ctx, q.key("group", org)).Result()
		if err != nil {
			return c, err
		}
		c.Waiting += int(n)
	}
	active, err := q.client.ZCard(ctx, q.key("leases")).Result()
	if err != nil {
		return c, err
	}
	c.Active = int(active)
	delayed, err := q.client.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return c, err
	}
	c.Delayed = int(delayed)
	c.Completed, _ = q.client.Get(ctx, q.key("completed")).Int()
	c.Failed, _ = q.client.Get(ctx, q.key("failed")).Int()
	return c, nil
}

func (q *RedisQueue) orgOf(ctx context.Context, executionID string) (string, error) {
	payload, err := q.client.Get(ctx, q.key("job", executionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return "", err
	}
	return job.OrganizationID, nil
}

func leaseMember(org, id string) string { return org + "|" + id }

func splitLeaseMember(m string) (org, id string, ok bool) {
	i := strings.IndexByte(m, '|')
	if i < 0 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}
