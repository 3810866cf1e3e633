package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testOpts() Options {
	return Options{
		Region:            "us",
		TenantConcurrency: 2,
		LockDuration:      time.Second,
		MaxRetries:        2,
		RetryDelay:        10 * time.Millisecond,
		MaxRetryDelay:     100 * time.Millisecond,
	}
}

func job(id, org string) *Job {
	return &Job{ExecutionID: id, WorkflowID: "wf", OrganizationID: org, TriggerType: "manual", Region: "us"}
}

func TestAddIsIdempotentByExecutionID(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testOpts())
	q.Add(ctx, job("e1", "org-1"))
	q.Add(ctx, job("e1", "org-1"))

	c, _ := q.Counts(ctx)
	if c.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1", c.Waiting)
	}
}

func TestRoundRobinAcrossTenants(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testOpts())
	// A burst from org-1 must not starve org-2.
	for i := 0; i < 4; i++ {
		q.Add(ctx, job("a"+string(rune('0'+i)), "org-1"))
	}
	q.Add(ctx, job("b0", "org-2"))

	var order []string
	for i := 0; i < 3; i++ {
		d, err := q.Reserve(ctx, "w")
		if err != nil || d == nil {
			t.Fatalf("reserve %d: %v %v", i, d, err)
		}
		order = append(order, d.Job.OrganizationID)
		q.Complete(ctx, d.Job.ExecutionID, d.LockToken)
	}
	// First two reserves hit different tenants.
	if order[0] == order[1] {
		t.Fatalf("dispatch not round-robin: %v", order)
	}
}

func TestPerTenantCap(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testOpts()) // T = 2
	for i := 0; i < 3; i++ {
		q.Add(ctx, job("e"+string(rune('0'+i)), "org-1"))
	}

	d1, _ := q.Reserve(ctx, "w")
	d2, _ := q.Reserve(ctx, "w")
	if d1 == nil || d2 == nil {
		t.Fatal("first two reserves should succeed")
	}
	d3, _ := q.Reserve(ctx, "w")
	if d3 != nil {
		t.Fatal("third reserve must be blocked by the tenant cap")
	}

	q.Complete(ctx, d1.Job.ExecutionID, d1.LockToken)
	d3, _ = q.Reserve(ctx, "w")
	if d3 == nil {
		t.Fatal("completing one job frees a slot")
	}
}

func TestRenewAndLockLoss(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testOpts())
	q.Add(ctx, job("e1", "org-1"))
	d, _ := q.Reserve(ctx, "w")

	newExpiry, err := q.Renew(ctx, d.Job.ExecutionID, d.LockToken)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !newExpiry.After(d.LockExpiresAt.Add(-time.Millisecond)) {
		t.Fatal("renew must extend the lock")
	}
	if _, err := q.Renew(ctx, d.Job.ExecutionID, "stale-token"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("stale token renew = %v, want ErrLockLost", err)
	}
	if err := q.Complete(ctx, d.Job.ExecutionID, "stale-token"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("stale token complete = %v, want ErrLockLost", err)
	}
}

func TestFailBackoffThenDead(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testOpts()) // maxRetries = 2 -> 3 deliveries total

	q.Add(ctx, job("e1", "org-1"))
	for attempt := 1; attempt <= 3; attempt++ {
		var d *Delivery
		deadline := time.Now().Add(time.Second)
		for d == nil && time.Now().Before(deadline) {
			d, _ = q.Reserve(ctx, "w")
			if d == nil {
				time.Sleep(5 * time.Millisecond) // redelivery backoff
			}
		}
		if d == nil {
			t.Fatalf("attempt %d never redelivered", attempt)
		}
		if d.Job.Attempt != attempt {
			t.Fatalf("delivery attempt = %d, want %d", d.Job.Attempt, attempt)
		}
		if err := q.Fail(ctx, d.Job.ExecutionID, d.LockToken, "node failed"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	// Budget exhausted: the job is dead, not redelivered.
	time.Sleep(150 * time.Millisecond)
	if d, _ := q.Reserve(ctx, "w"); d != nil {
		t.Fatalf("dead job redelivered: %+v", d.Job)
	}
	c, _ := q.Counts(ctx)
	if c.Failed != 1 {
		t.Fatalf("failed count = %d, want 1", c.Failed)
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	opts := testOpts()
	opts.LockDuration = 20 * time.Millisecond
	q := NewMemoryQueue(opts)

	q.Add(ctx, job("e1", "org-1"))
	d, _ := q.Reserve(ctx, "w-a")
	if d == nil {
		t.Fatal("reserve failed")
	}

	// Before expiry nothing is reclaimed.
	n, _ := q.ReclaimExpired(ctx, time.Now())
	if n != 0 {
		t.Fatal("live lease must not be reclaimed")
	}

	n, _ = q.ReclaimExpired(ctx, time.Now().Add(50*time.Millisecond))
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}

	// The old holder's writes are rejected; a new worker can reserve.
	if _, err := q.Renew(ctx, "e1", d.LockToken); !errors.Is(err, ErrLockLost) {
		t.Fatal("original holder must lose the lock after rescue")
	}
	d2, _ := q.Reserve(ctx, "w-b")
	if d2 == nil || d2.Job.ExecutionID != "e1" {
		t.Fatal("rescued job must be reservable again")
	}
}

func TestCountsEnumeration(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testOpts())
	q.Add(ctx, job("e1", "org-1"))
	q.Add(ctx, job("e2", "org-1"))
	d, _ := q.Reserve(ctx, "w")
	q.Complete(ctx, d.Job.ExecutionID, d.LockToken)
	d, _ = q.Reserve(ctx, "w")

	c, _ := q.Counts(ctx)
	if c.Waiting != 0 || c.Active != 1 || c.Completed != 1 {
		t.Fatalf("counts: %+v", c)
	}
}
