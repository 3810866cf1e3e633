package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// Call is the surface handed to an in-process entry point. It mirrors the
// child protocol: heartbeats, logs and outbound host checks all flow
// through the same session the watchdog observes.
type Call struct {
	ExecutionID string
	NodeID      string
	Params      map[string]any
	Context     map[string]any

	session *Session
}

// Heartbeat signals liveness. Long-running entry points must call this at
// least once per heartbeat interval.
func (c *Call) Heartbeat() { c.session.Heartbeat() }

// Log emits a log line attributed to the tenant code.
func (c *Call) Log(level, message string) { c.session.Log(level, message) }

// CheckHost asks for an egress verdict; a denial is returned as the typed
// error the caller should propagate.
func (c *Call) CheckHost(host string) error {
	v := c.session.CheckHost(host)
	if !v.Allowed {
		return &NetworkDeniedError{Host: v.Host, Reason: v.Reason}
	}
	return nil
}

// EntryPoint is a trusted built-in registered with the worker executor.
type EntryPoint func(ctx context.Context, call *Call) (any, error)

// WorkerExecutor runs registered Go entry points in a goroutine instead of
// forking a runner. Used for trusted built-in transforms and in tests,
// where fork cost dominates the work itself.
type WorkerExecutor struct {
	mu      sync.RWMutex
	entries map[string]EntryPoint
}

func NewWorkerExecutor() *WorkerExecutor {
	return &WorkerExecutor{entries: make(map[string]EntryPoint)}
}

func (e *WorkerExecutor) Name() string { return "worker" }

// Register installs an entry point under a name. Later registrations for
// the same name win.
func (e *WorkerExecutor) Register(name string, fn EntryPoint) {
	e.mu.Lock()
	e.entries[name] = fn
	e.mu.Unlock()
}

func (e *WorkerExecutor) Run(ctx context.Context, req Request, s *Session) (any, error) {
	e.mu.RLock()
	fn, ok := e.entries[req.EntryPoint]
	e.mu.RUnlock()
	if !ok {
		return nil, &PolicyViolationError{Reason: fmt.Sprintf("unknown entry point %q", req.EntryPoint)}
	}

	call := &Call{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Params:      req.Params,
		Context:     req.Context,
		session:     s,
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PolicyViolationError{Reason: fmt.Sprintf("entry point panicked: %v", r)}}
			}
		}()
		v, err := fn(ctx, call)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		// The goroutine keeps running until it observes ctx itself; the
		// supervisor has already charged the slot as failed.
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return nil, cause
		}
		return nil, ctx.Err()
	}
}
