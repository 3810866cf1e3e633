package sandbox

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/AyushJhin07/Automation-sub003/observability"
)

// Supervisor executes tenant code under an effective policy and watches
// the run: wall clock, heartbeats, resource breaches, network denials.
// One Supervisor serves one isolation scope.
type Supervisor struct {
	executor Executor
	base     Policy
	auditor  Auditor
}

func NewSupervisor(executor Executor, base Policy, auditor Auditor) *Supervisor {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	return &Supervisor{executor: executor, base: base, auditor: auditor}
}

// metricsAuditor wraps the configured auditor so every verdict is counted.
type metricsAuditor struct{ next Auditor }

func (m metricsAuditor) RecordNetworkDecision(rec AuditRecord) {
	verdict := "deny"
	if rec.Allowed {
		verdict = "allow"
	}
	observability.SandboxNetworkDecisions.WithLabelValues(verdict, rec.Reason).Inc()
	m.next.RecordNetworkDecision(rec)
}

// Execute runs one request to completion. The returned result has logs and
// value already redacted; errors carry stable codes for the retry manager.
func (s *Supervisor) Execute(ctx context.Context, req Request) (*Result, error) {
	effective := s.base.Merge(req.Policy)
	if effective.HeartbeatInterval <= 0 {
		effective.HeartbeatInterval = 500 * time.Millisecond
	}
	if effective.HeartbeatTimeout < 2*effective.HeartbeatInterval {
		effective.HeartbeatTimeout = 2 * effective.HeartbeatInterval
	}

	redactor := NewRedactor(req.Secrets, req.Params)
	session := newSession(req, effective, metricsAuditor{next: s.auditor})

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if req.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, req.Timeout)
		defer cancelTimeout()
	}

	// Heartbeat watchdog. A silent child is cancelled with a typed cause so
	// the executor's kill path surfaces the right error.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(effective.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				silent := time.Since(session.LastHeartbeat())
				if silent > effective.HeartbeatTimeout {
					cancel(&HeartbeatTimeoutError{SilentFor: silent.Truncate(time.Millisecond).String()})
					return
				}
			}
		}
	}()

	started := time.Now()
	value, err := s.executor.Run(runCtx, req, session)
	duration := time.Since(started)

	if err != nil {
		err = s.mapError(runCtx, req, session, err)
		observability.SandboxExecutions.WithLabelValues(outcomeLabel(err)).Inc()
		log.Printf("[sandbox] execution=%s node=%s executor=%s failed after %s: %v",
			req.ExecutionID, req.NodeID, s.executor.Name(), duration.Truncate(time.Millisecond), err)
		return nil, err
	}

	observability.SandboxExecutions.WithLabelValues("ok").Inc()
	return &Result{
		Value:    redactor.RedactValue(value),
		Logs:     redactLogs(redactor, session.Logs()),
		Duration: duration,
	}, nil
}

// mapError folds context causes, network denials and wall-clock expiry
// into the typed error vocabulary.
func (s *Supervisor) mapError(ctx context.Context, req Request, session *Session, err error) error {
	if denied := session.Denied(); denied != nil {
		return denied
	}
	var hb *HeartbeatTimeoutError
	if errors.As(err, &hb) {
		return hb
	}
	if cause := context.Cause(ctx); cause != nil {
		if errors.As(cause, &hb) {
			return hb
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Limit: req.Timeout.String()}
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{Reason: "caller cancelled"}
	}
	return err
}

func outcomeLabel(err error) string {
	var (
		to  *TimeoutError
		hb  *HeartbeatTimeoutError
		rl  *ResourceLimitError
		nd  *NetworkDeniedError
		ab  *AbortError
	)
	switch {
	case errors.As(err, &to):
		return "timeout"
	case errors.As(err, &hb):
		return "heartbeat_timeout"
	case errors.As(err, &rl):
		return "resource_limit"
	case errors.As(err, &nd):
		return "network_denied"
	case errors.As(err, &ab):
		return "abort"
	default:
		return "error"
	}
}

func redactLogs(r *Redactor, logs []LogLine) []LogLine {
	for i := range logs {
		logs[i].Message = r.Redact(logs[i].Message)
	}
	return logs
}
