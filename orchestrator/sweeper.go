package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/AyushJhin07/Automation-sub003/observability"
	"github.com/AyushJhin07/Automation-sub003/runstate"
)

const (
	timerSweepInterval = time.Second
	timerSweepBatch    = 100
)

// reclaimLoop rescues jobs whose lock expired so another worker can pick
// them up. Runs at half the lock duration.
func (o *Orchestrator) reclaimLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.LockDuration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			n, err := o.Queue.ReclaimExpired(ctx, time.Now())
			if err != nil {
				log.Printf("[sweeper] lease reclaim failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[sweeper] reclaimed %d expired job leases", n)
			}
		}
	}
}

// timerSweepLoop claims due timers and turns them back into resume jobs.
// Claiming is a CAS so concurrent sweepers enqueue each timer exactly once.
func (o *Orchestrator) timerSweepLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(timerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.sweepTimers(ctx)
		}
	}
}

func (o *Orchestrator) sweepTimers(ctx context.Context) {
	due, err := o.Runs.Store().DueTimers(ctx, time.Now(), timerSweepBatch)
	if err != nil {
		log.Printf("[sweeper] due-timer query failed: %v", err)
		return
	}
	for _, timer := range due {
		if err := o.Runs.Store().ClaimTimer(ctx, timer.ID); err != nil {
			// Another sweeper won the claim.
			continue
		}
		o.fireTimer(ctx, timer)
	}
}

// fireTimer re-enqueues one claimed timer. Failures put the timer back to
// pending a few seconds out; the payload is never lost.
func (o *Orchestrator) fireTimer(ctx context.Context, timer *runstate.WorkflowTimer) {
	var payload runstate.TimerPayload
	if err := json.Unmarshal(timer.Payload, &payload); err != nil {
		log.Printf("[sweeper] timer %s payload unreadable: %v", timer.ID, err)
		observability.TimerSweeps.WithLabelValues("failed").Inc()
		o.Runs.Store().RescheduleTimer(ctx, timer.ID, time.Now().Add(timerRetryDelay), "payload decode: "+err.Error())
		return
	}

	// Stale timer: the execution may have been resumed by callback and
	// finished in the meantime.
	if exec, err := o.Runs.GetExecution(ctx, payload.ExecutionID); err == nil {
		if runstate.TerminalStatus(exec.Status) || exec.Status == runstate.StatusRunning {
			o.Runs.Store().CompleteTimer(ctx, timer.ID)
			return
		}
	}

	resume := payload.Resume
	err := o.EnqueueResume(ctx, ResumeRequest{
		ExecutionID:    payload.ExecutionID,
		WorkflowID:     payload.WorkflowID,
		OrganizationID: payload.OrganizationID,
		UserID:         payload.UserID,
		Resume:         &resume,
		InitialData:    payload.InitialData,
		TimerID:        timer.ID,
	})
	if err != nil {
		observability.TimerSweeps.WithLabelValues("retried").Inc()
		if rerr := o.Runs.Store().RescheduleTimer(ctx, timer.ID, time.Now().Add(timerRetryDelay), err.Error()); rerr != nil {
			log.Printf("[sweeper] timer %s reschedule failed: %v", timer.ID, rerr)
		}
		return
	}
	if err := o.Runs.Store().CompleteTimer(ctx, timer.ID); err != nil {
		log.Printf("[sweeper] timer %s completion not recorded: %v", timer.ID, err)
	}
	observability.TimerSweeps.WithLabelValues("resumed").Inc()
}
