package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AyushJhin07/Automation-sub003/observability"
)

// MemoryQueue is the single-node driver. One instance serves one region.
type MemoryQueue struct {
	opts Options

	mu        sync.Mutex
	groups    map[string]*memGroup
	order     []string // round-robin rotation of group keys
	next      int
	active    map[string]*memDelivery // executionID -> in-flight delivery
	jobIndex  map[string]bool         // dedupe by executionID
	completed int
	failed    int
}

type memGroup struct {
	key     string
	waiting []*memJob
	active  int
}

type memJob struct {
	job     *Job
	readyAt time.Time
}

type memDelivery struct {
	job           *Job
	group         string
	lockToken     string
	lockExpiresAt time.Time
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:     opts.withDefaults(),
		groups:   make(map[string]*memGroup),
		active:   make(map[string]*memDelivery),
		jobIndex: make(map[string]bool),
	}
}

func (q *MemoryQueue) Name() string { return "inmemory" }

func (q *MemoryQueue) Add(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.jobIndex[job.ExecutionID] {
		return nil // idempotent by execution id
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.jobIndex[job.ExecutionID] = true
	q.push(job, time.Time{})
	return nil
}

// push appends a job to its group, creating the group and registering it
// in the rotation on first use. Caller holds the lock.
func (q *MemoryQueue) push(job *Job, readyAt time.Time) {
	g, ok := q.groups[job.OrganizationID]
	if !ok {
		g = &memGroup{key: job.OrganizationID}
		q.groups[job.OrganizationID] = g
		q.order = append(q.order, job.OrganizationID)
	}
	g.waiting = append(g.waiting, &memJob{job: job, readyAt: readyAt})
}

func (q *MemoryQueue) Reserve(ctx context.Context, workerID string) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		g := q.groups[q.order[idx]]
		if g.active >= q.opts.TenantConcurrency {
			continue
		}
		for j, mj := range g.waiting {
			if mj.readyAt.After(now) {
				continue
			}
			g.waiting = append(g.waiting[:j], g.waiting[j+1:]...)
			g.active++
			// Rotation resumes after the group we just served.
			q.next = (idx + 1) % n

			d := &memDelivery{
				job:           mj.job,
				group:         g.key,
				lockToken:     uuid.NewString(),
				lockExpiresAt: now.Add(q.opts.LockDuration),
			}
			q.active[mj.job.ExecutionID] = d
			return &Delivery{Job: mj.job, LockToken: d.lockToken, LockExpiresAt: d.lockExpiresAt}, nil
		}
	}
	return nil, nil
}

func (q *MemoryQueue) Renew(ctx context.Context, executionID, lockToken string) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.active[executionID]
	if !ok || d.lockToken != lockToken {
		observability.LeaseRenewals.WithLabelValues("lost").Inc()
		return time.Time{}, ErrLockLost
	}
	d.lockExpiresAt = time.Now().Add(q.opts.LockDuration)
	observability.LeaseRenewals.WithLabelValues("renewed").Inc()
	return d.lockExpiresAt, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, executionID, lockToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.active[executionID]
	if !ok || d.lockToken != lockToken {
		return ErrLockLost
	}
	q.release(d)
	delete(q.jobIndex, executionID)
	q.completed++
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, executionID, lockToken, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.active[executionID]
	if !ok || d.lockToken != lockToken {
		return ErrLockLost
	}
	q.release(d)
	if d.job.Attempt >= q.opts.MaxRetries+1 {
		delete(q.jobIndex, executionID)
		q.failed++
		return nil
	}
	d.job.Attempt++
	q.push(d.job, time.Now().Add(backoffDelay(q.opts, d.job.Attempt)))
	return nil
}

func (q *MemoryQueue) release(d *memDelivery) {
	delete(q.active, d.job.ExecutionID)
	if g, ok := q.groups[d.group]; ok && g.active > 0 {
		g.active--
	}
}

func (q *MemoryQueue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reclaimed := 0
	for _, d := range q.active {
		if now.After(d.lockExpiresAt) {
			q.release(d)
			q.push(d.job, time.Time{})
			observability.LeaseRescues.Inc()
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Counts{Active: len(q.active), Completed: q.completed, Failed: q.failed}
	now := time.Now()
	for _, g := range q.groups {
		for _, mj := range g.waiting {
			if mj.readyAt.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		}
	}
	return c, nil
}

// OldestWaitingAge reports the age of the oldest dispatchable job, used by
// the depth gauge refresher.
func (q *MemoryQueue) OldestWaitingAge(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest time.Time
	for _, g := range q.groups {
		for _, mj := range g.waiting {
			if mj.readyAt.After(now) {
				continue
			}
			if oldest.IsZero() || mj.job.EnqueuedAt.Before(oldest) {
				oldest = mj.job.EnqueuedAt
			}
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}
