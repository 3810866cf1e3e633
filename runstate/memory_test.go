package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTimerClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	payload, _ := json.Marshal(TimerPayload{ExecutionID: "exec-1"})
	timer := &WorkflowTimer{
		ID:          "timer-1",
		ExecutionID: "exec-1",
		ResumeAt:    time.Now().Add(-time.Second),
		Payload:     payload,
		Status:      TimerPending,
		CreatedAt:   time.Now(),
	}
	if err := s.CreateTimer(ctx, timer); err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := s.DueTimers(ctx, time.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %d, err = %v", len(due), err)
	}
	if err := s.ClaimTimer(ctx, "timer-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.ClaimTimer(ctx, "timer-1"); !errors.Is(err, ErrTimerClaimed) {
		t.Fatalf("second claim = %v, want ErrTimerClaimed", err)
	}

	// An in_flight timer is no longer due.
	due, _ = s.DueTimers(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatalf("claimed timer still due: %d", len(due))
	}
}

func TestTimerRescheduleReturnsToPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateTimer(ctx, &WorkflowTimer{ID: "timer-1", ExecutionID: "e", ResumeAt: time.Now(), Status: TimerPending})
	s.ClaimTimer(ctx, "timer-1")

	later := time.Now().Add(5 * time.Second)
	if err := s.RescheduleTimer(ctx, "timer-1", later, "enqueue failed"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	due, _ := s.DueTimers(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatal("rescheduled timer must not be due before its new resume time")
	}
	due, _ = s.DueTimers(ctx, later.Add(time.Millisecond), 10)
	if len(due) != 1 {
		t.Fatal("rescheduled timer must be due after the new resume time")
	}
	if due[0].Attempts != 1 || due[0].LastError != "enqueue failed" {
		t.Fatalf("attempts/error not recorded: %+v", due[0])
	}
}

func TestTimersNotDueBeforeResumeAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.CreateTimer(ctx, &WorkflowTimer{ID: "t1", ExecutionID: "e", ResumeAt: time.Now().Add(time.Hour), Status: TimerPending})
	due, _ := s.DueTimers(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatal("future timer must not fire early")
	}
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := time.Now().Add(-48 * time.Hour)
	s.CreateExecution(ctx, &Execution{ID: "old", Status: StatusCompleted, CompletedAt: &old, StartedAt: old})
	s.CreateExecution(ctx, &Execution{ID: "running", Status: StatusRunning, StartedAt: old})
	s.CreateNodeAttempt(ctx, &NodeAttempt{ExecutionID: "old", NodeID: "a", Attempt: 1})
	s.CreateTimer(ctx, &WorkflowTimer{ID: "t1", ExecutionID: "old", Status: TimerComplete})

	n, err := s.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("deleted = %d, err = %v", n, err)
	}
	if _, err := s.GetExecution(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old execution must be gone")
	}
	if _, err := s.GetExecution(ctx, "running"); err != nil {
		t.Fatal("non-terminal execution must survive the sweep")
	}
	attempts, _ := s.ListNodeAttempts(ctx, "old")
	if len(attempts) != 0 {
		t.Fatal("attempts must be deleted with their execution")
	}
}
