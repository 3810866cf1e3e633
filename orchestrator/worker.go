package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/AyushJhin07/Automation-sub003/idempotency"
	"github.com/AyushJhin07/Automation-sub003/observability"
	"github.com/AyushJhin07/Automation-sub003/queue"
	"github.com/AyushJhin07/Automation-sub003/retry"
	"github.com/AyushJhin07/Automation-sub003/runstate"
	"github.com/AyushJhin07/Automation-sub003/sandbox"
	"github.com/AyushJhin07/Automation-sub003/tenancy"
	"github.com/AyushJhin07/Automation-sub003/workflow"
)

const (
	reservePollInterval = 250 * time.Millisecond
	slotPollFloor       = 5 * time.Second
	timerRetryDelay     = 5 * time.Second
)

// consumeLoop reserves jobs under the global concurrency semaphore and
// hands each one to runDelivery on its own goroutine.
func (o *Orchestrator) consumeLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		default:
		}

		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		d, err := o.Queue.Reserve(ctx, o.workerID)
		if err != nil {
			o.sem.Release(1)
			log.Printf("[worker] %s reserve failed: %v", o.workerID, err)
			sleepOrStop(ctx, o.stop, reservePollInterval)
			continue
		}
		if d == nil {
			o.sem.Release(1)
			sleepOrStop(ctx, o.stop, reservePollInterval)
			continue
		}

		// Per-tenant dispatch pacing; the token is already held so this
		// only smooths bursts, it cannot starve other tenants.
		lim := o.limiterFor(ctx, d.Job.OrganizationID)
		if !lim.Allow() {
			_ = lim.Wait(ctx)
		}

		o.mu.Lock()
		o.inFlight++
		o.mu.Unlock()

		o.wg.Add(1)
		go func(d *queue.Delivery) {
			defer o.wg.Done()
			defer o.sem.Release(1)
			defer func() {
				o.mu.Lock()
				o.inFlight--
				o.mu.Unlock()
			}()
			o.runDelivery(ctx, d)
		}(d)
	}
}

func sleepOrStop(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-t.C:
	}
}

// runDelivery drives one reserved job end to end: slots, lease, node loop,
// terminal disposition. Slots and the lease are always released on exit.
func (o *Orchestrator) runDelivery(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	profile, err := o.Tenants.Resolve(ctx, job.OrganizationID)
	if err != nil {
		log.Printf("[worker] tenant resolve failed for %s: %v", job.ExecutionID, err)
		o.failDelivery(ctx, d, "tenant resolve: "+err.Error())
		return
	}

	// Running slot, polled within a bound so a busy tenant delays rather
	// than drops the job.
	if !o.acquireRunningSlot(ctx, job.OrganizationID, profile.Limits.MaxConcurrentExecutions) {
		o.failDelivery(ctx, d, "tenant at max concurrent executions")
		return
	}
	defer o.Quotas.ReleaseRunning(context.WithoutCancel(ctx), job.OrganizationID)

	// Connector slots are held for the whole run.
	held, ok := o.acquireConnectorSlots(ctx, job, profile)
	if !ok {
		o.failDelivery(ctx, d, "connector concurrency slots busy")
		return
	}
	defer func() {
		for _, connectorID := range held {
			o.Quotas.ReleaseConnector(context.WithoutCancel(ctx), job.OrganizationID, connectorID)
		}
	}()

	now := time.Now()
	lease := &runstate.Lease{
		WorkerID:          o.workerID,
		LockedAt:          now,
		LockExpiresAt:     d.LockExpiresAt,
		HeartbeatInterval: o.cfg.HeartbeatInterval,
		LastHeartbeatAt:   now,
	}
	if _, err := o.Runs.MarkRunning(ctx, job.ExecutionID, lease); err != nil {
		// Terminal row: a rescued worker already finished this one.
		log.Printf("[worker] %s not runnable: %v", job.ExecutionID, err)
		o.Queue.Complete(ctx, job.ExecutionID, d.LockToken)
		return
	}
	o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
		Type: "execution_running", ExecutionID: job.ExecutionID, Status: runstate.StatusRunning, Timestamp: now,
	})

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	pumpDone := make(chan struct{})
	go o.leasePump(runCtx, cancel, job.ExecutionID, d.LockToken, lease, pumpDone)

	outcome := o.runNodes(runCtx, job, profile)

	cancel(nil)
	<-pumpDone

	var leaseLost *LeaseLostError
	if errors.As(outcome.err, &leaseLost) || errors.As(context.Cause(runCtx), &leaseLost) {
		// Abandon quietly: the lock is gone, the queue redelivers and the
		// resumed run re-reads state from the store.
		log.Printf("[worker] %s abandoned: lease lost", job.ExecutionID)
		return
	}

	switch {
	case outcome.suspended:
		o.Queue.Complete(ctx, job.ExecutionID, d.LockToken)
	case outcome.err == nil:
		o.Runs.CompleteExecution(ctx, job.ExecutionID, outcome.outputs, "")
		o.Queue.Complete(ctx, job.ExecutionID, d.LockToken)
		o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
			Type: "execution_completed", ExecutionID: job.ExecutionID, Status: runstate.StatusCompleted, Timestamp: time.Now(),
		})
	default:
		// Node-level failures are final for this run: the retry budget was
		// already spent inside the node loop. Queue redelivery is reserved
		// for infrastructure failures and lease rescue.
		o.Runs.CompleteExecution(ctx, job.ExecutionID, nil, outcome.err.Error())
		o.Queue.Complete(ctx, job.ExecutionID, d.LockToken)
		final, _ := o.Runs.GetExecution(ctx, job.ExecutionID)
		status := runstate.StatusFailed
		if final != nil {
			status = final.Status
		}
		o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
			Type: "execution_failed", ExecutionID: job.ExecutionID, Status: status,
			Error: outcome.err.Error(), Timestamp: time.Now(),
		})
	}
}

// failDelivery returns the job to the queue with backoff.
func (o *Orchestrator) failDelivery(ctx context.Context, d *queue.Delivery, reason string) {
	if err := o.Queue.Fail(ctx, d.Job.ExecutionID, d.LockToken, reason); err != nil {
		log.Printf("[worker] fail disposition for %s: %v", d.Job.ExecutionID, err)
	}
}

// acquireRunningSlot polls for a tenant running slot. The poll is bounded
// by the lock duration so the job lands back on the queue instead of
// pinning a worker token forever.
func (o *Orchestrator) acquireRunningSlot(ctx context.Context, orgID string, limit int) bool {
	interval := o.cfg.LockRenewTime / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	deadline := time.Now().Add(max(o.cfg.LockDuration, slotPollFloor))
	for {
		ok, _, err := o.Quotas.AcquireRunning(ctx, orgID, limit)
		if err != nil {
			log.Printf("[worker] running-slot acquire for %s: %v", orgID, err)
			return false
		}
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return false
		}
	}
}

// acquireConnectorSlots takes one slot per connector the workflow touches.
// Partial acquisition is rolled back.
func (o *Orchestrator) acquireConnectorSlots(ctx context.Context, job *queue.Job, profile *tenancy.Profile) ([]string, bool) {
	var held []string
	for _, connectorID := range job.Connectors {
		limit := profile.ConnectorLimit(connectorID)
		if limit <= 0 {
			continue
		}
		ok, err := o.Quotas.AcquireConnector(ctx, job.OrganizationID, connectorID, limit)
		if err != nil || !ok {
			for _, prev := range held {
				o.Quotas.ReleaseConnector(ctx, job.OrganizationID, prev)
			}
			return nil, false
		}
		held = append(held, connectorID)
	}
	return held, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// leasePump renews the queue lock every heartbeat interval and persists
// the lease to the run-state store at the coarser persist interval. A
// failed renewal cancels the run with LeaseLostError.
func (o *Orchestrator) leasePump(ctx context.Context, cancel context.CancelCauseFunc, executionID, lockToken string, lease *runstate.Lease, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastPersist := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry, err := o.Queue.Renew(ctx, executionID, lockToken)
			if err != nil {
				observability.LeaseRenewals.WithLabelValues("lost").Inc()
				cancel(&LeaseLostError{ExecutionID: executionID})
				return
			}
			observability.LeaseRenewals.WithLabelValues("renewed").Inc()
			now := time.Now()
			lease.LockExpiresAt = expiry
			lease.LastHeartbeatAt = now
			lease.RenewCount++
			if now.Sub(lastPersist) >= o.cfg.HeartbeatPersist {
				snapshot := *lease
				if err := o.Runs.PersistLease(ctx, executionID, &snapshot); err != nil {
					log.Printf("[worker] lease persist for %s: %v", executionID, err)
				}
				lastPersist = now
			}
		}
	}
}

// runOutcome is the result of one pass over the node loop.
type runOutcome struct {
	outputs   map[string]any
	suspended bool
	err       error
}

// runCursor is the mutable walk state. On resume it is rebuilt from the
// persisted ResumeState; keys and hashes recorded there are reused before
// anything is regenerated.
type runCursor struct {
	outputs   map[string]any
	prev      any
	remaining []string
	keys      map[string]string
	hashes    map[string]string
	startedAt time.Time
	seed      string
}

func (o *Orchestrator) newCursor(ctx context.Context, job *queue.Job, wf *workflow.Workflow) (*runCursor, error) {
	c := &runCursor{
		outputs:   make(map[string]any),
		keys:      make(map[string]string),
		hashes:    make(map[string]string),
		startedAt: time.Now(),
	}
	if job.IsResume() {
		rs := job.Resume
		if rs.NodeOutputs != nil {
			c.outputs = rs.NodeOutputs
		}
		c.prev = rs.PrevOutput
		c.remaining = rs.RemainingNodeIDs
		if rs.IdempotencyKeys != nil {
			c.keys = rs.IdempotencyKeys
		}
		if rs.RequestHashes != nil {
			c.hashes = rs.RequestHashes
		}
		if !rs.StartedAt.IsZero() {
			c.startedAt = rs.StartedAt
		}
	} else {
		order, err := wf.TopologicalOrder()
		if err != nil {
			return nil, err
		}
		c.remaining = order
	}

	c.seed = DedupeSeed(job.TriggerData)
	if c.seed == "" {
		// Resume jobs carry no trigger data; the seed was stamped at
		// admission.
		if exec, err := o.Runs.GetExecution(ctx, job.ExecutionID); err == nil {
			if s, ok := exec.Metadata["deterministic_seed"].(string); ok {
				c.seed = s
			}
		}
	}
	return c, nil
}

// snapshot captures the resume state for the nodes after index i.
func (c *runCursor) snapshot(i int) *runstate.ResumeState {
	rest := append([]string(nil), c.remaining[i+1:]...)
	next := ""
	if len(rest) > 0 {
		next = rest[0]
	}
	return &runstate.ResumeState{
		NodeOutputs:      c.outputs,
		PrevOutput:       c.prev,
		RemainingNodeIDs: rest,
		NextNodeID:       next,
		StartedAt:        c.startedAt,
		IdempotencyKeys:  c.keys,
		RequestHashes:    c.hashes,
	}
}

// runNodes walks the remaining nodes in deterministic order. It returns a
// suspended outcome when a node parks the execution (delay timer or
// callback wait); the caller completes the queue job in that case.
func (o *Orchestrator) runNodes(ctx context.Context, job *queue.Job, profile *tenancy.Profile) runOutcome {
	wf, err := o.Workflows.Load(ctx, job.WorkflowID)
	if err != nil {
		return runOutcome{err: fmt.Errorf("load workflow %s: %w", job.WorkflowID, err)}
	}
	cursor, err := o.newCursor(ctx, job, wf)
	if err != nil {
		return runOutcome{err: err}
	}

	for i, nodeID := range cursor.remaining {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
				return runOutcome{err: cause}
			}
			return runOutcome{err: ctx.Err()}
		default:
		}

		node := wf.Node(nodeID)
		if node == nil {
			return runOutcome{err: fmt.Errorf("workflow %s references unknown node %s", wf.ID, nodeID)}
		}

		// Delay nodes suspend instead of executing. Zero delay is a no-op.
		if node.ResolveKind() == workflow.KindDelay {
			delay := node.DelayDuration()
			if delay == 0 {
				cursor.outputs[nodeID] = nil
				continue
			}
			resumeAt := time.Now().Add(delay)
			if err := o.suspendOnTimer(ctx, job, cursor.snapshot(i), resumeAt); err != nil {
				return runOutcome{err: err}
			}
			return runOutcome{outputs: cursor.outputs, suspended: true}
		}

		out, err := o.runNode(ctx, job, wf, node, cursor, profile)
		if err != nil {
			var wait *WaitSignal
			if errors.As(err, &wait) {
				if serr := o.suspendOnCallback(ctx, job, node, cursor.snapshot(i), wait); serr != nil {
					return runOutcome{err: serr}
				}
				return runOutcome{outputs: cursor.outputs, suspended: true}
			}
			return runOutcome{err: err}
		}
		cursor.outputs[nodeID] = out
		cursor.prev = out
	}
	return runOutcome{outputs: cursor.outputs}
}

// runNode executes one node under the retry manager, recording the attempt
// in the run-state store.
func (o *Orchestrator) runNode(ctx context.Context, job *queue.Job, wf *workflow.Workflow, node *workflow.Node, cursor *runCursor, profile *tenancy.Profile) (any, error) {
	kind := node.ResolveKind()

	params, err := o.Resolver.Resolve(ctx, node.Params, cursor.outputs)
	if err != nil {
		return nil, fmt.Errorf("resolve params for node %s: %w", node.ID, err)
	}

	// Resume-state keys win over regeneration so a re-run reproduces the
	// original values byte for byte.
	key, ok := cursor.keys[node.ID]
	if !ok {
		key = DeterministicKey(cursor.seed, job.ExecutionID, node.ID)
		cursor.keys[node.ID] = key
	}
	hash, ok := cursor.hashes[node.ID]
	if !ok {
		hash = RequestHash(node.ID, params)
		cursor.hashes[node.ID] = hash
	}
	o.Retries.RegisterRequestHash(job.ExecutionID, node.ID, hash)

	op := o.nodeOp(job, node, kind, params, profile)

	attemptNo := o.nextAttemptNumber(ctx, job.ExecutionID, node.ID)
	if _, err := o.Runs.StartNodeExecution(ctx, job.ExecutionID, node, params, runstate.NodeStartOptions{
		Attempt:        attemptNo,
		TimeoutMS:      node.TimeoutMS,
		ConnectorID:    node.ConnectorID,
		IdempotencyKey: key,
	}); err != nil {
		return nil, err
	}
	o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
		Type: "node_started", ExecutionID: job.ExecutionID, NodeID: node.ID, Timestamp: time.Now(),
	})

	recBefore, _ := o.Retries.Record(job.ExecutionID, node.ID)
	started := time.Now()
	out, err := o.Retries.ExecuteWithRetry(ctx, node.ID, job.ExecutionID, op, retry.Options{
		IdempotencyKey: key,
		OrganizationID: job.OrganizationID,
		NodeType:       string(kind),
		ConnectorID:    node.ConnectorID,
		NodeLabel:      node.Label,
	})
	observability.NodeDuration.Observe(time.Since(started).Seconds())

	recAfter, _ := o.Retries.Record(job.ExecutionID, node.ID)
	cacheHit := len(recAfter.Attempts) == len(recBefore.Attempts)
	meta := runstate.NodeResultMetadata{
		RequestHash:  hash,
		CacheHit:     cacheHit,
		RetryHistory: retryHistory(recAfter),
	}
	if snap, ok := o.Retries.CircuitSnapshot(node.ConnectorID, node.ID); ok {
		meta.CircuitState = string(snap.State)
	}

	if err != nil {
		var wait *WaitSignal
		if errors.As(err, &wait) {
			// Not a failure; the caller suspends.
			return nil, err
		}
		status := runstate.AttemptFailed
		if fatal, ok := err.(retry.Fatal); ok && fatal.FatalError() {
			status = runstate.AttemptDLQ
		}
		o.Runs.FailNodeExecution(ctx, job.ExecutionID, node.ID, attemptNo, err, status, meta)
		o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
			Type: "node_failed", ExecutionID: job.ExecutionID, NodeID: node.ID,
			Error: err.Error(), Timestamp: time.Now(),
		})
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}

	meta.ResultHash = idempotency.Hash(out)
	if cerr := o.Runs.CompleteNodeExecution(ctx, job.ExecutionID, node.ID, attemptNo, out, meta); cerr != nil {
		log.Printf("[worker] node %s/%s result not recorded: %v", job.ExecutionID, node.ID, cerr)
	}
	o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
		Type: "node_completed", ExecutionID: job.ExecutionID, NodeID: node.ID, Timestamp: time.Now(),
	})
	return out, nil
}

// nextAttemptNumber counts persisted attempts so resume on another worker
// never collides with an existing (execution, node, attempt) row.
func (o *Orchestrator) nextAttemptNumber(ctx context.Context, executionID, nodeID string) int {
	attempts, err := o.Runs.ListNodeAttempts(ctx, executionID)
	if err != nil {
		return o.Retries.CurrentAttempt(executionID, nodeID)
	}
	n := 0
	for _, a := range attempts {
		if a.NodeID == nodeID {
			n++
		}
	}
	return n + 1
}

// nodeOp builds the retryable operation closure for one node.
func (o *Orchestrator) nodeOp(job *queue.Job, node *workflow.Node, kind workflow.NodeKind, params map[string]any, profile *tenancy.Profile) retry.Op {
	switch kind {
	case workflow.KindSandboxed:
		return func(ctx context.Context) (any, error) {
			req := sandbox.Request{
				ExecutionID:    job.ExecutionID,
				NodeID:         node.ID,
				OrganizationID: job.OrganizationID,
				UserID:         job.UserID,
				Code:           node.Runtime.Code,
				EntryPoint:     node.Runtime.EntryPoint,
				Params:         params,
				Context:        map[string]any{"workflow_id": job.WorkflowID},
				Timeout:        time.Duration(node.TimeoutMS) * time.Millisecond,
				Policy:         profile.SandboxOverlay,
			}
			res, err := o.Sandboxes.Execute(ctx, job.OrganizationID, req)
			if err != nil {
				return nil, err
			}
			return res.Value, nil
		}
	case workflow.KindConnector:
		return func(ctx context.Context) (any, error) {
			if o.Connectors != nil {
				out, err := o.Connectors.Dispatch(ctx, node.ConnectorID, node.Operation, params)
				if err == nil || !errors.Is(err, ErrUnsupported) {
					return out, err
				}
			}
			if !o.cfg.GenericExecutorEnabled || o.Generic == nil {
				return nil, fmt.Errorf("connector %s operation %s: %w", node.ConnectorID, node.Operation, ErrUnsupported)
			}
			// The generic path needs the key inside the request body so the
			// remote side can dedupe on its own.
			augmented := make(map[string]any, len(params)+2)
			for k, v := range params {
				augmented[k] = v
			}
			key := DeterministicKey(DedupeSeed(job.TriggerData), job.ExecutionID, node.ID)
			augmented["idempotency_key"] = key
			augmented["idempotencyKey"] = key
			return o.Generic.Execute(ctx, node.ConnectorID, node.Operation, augmented)
		}
	default:
		return func(ctx context.Context) (any, error) {
			h, ok := o.Handlers.Lookup(kind)
			if !ok {
				return nil, &UnknownKindError{Kind: kind}
			}
			return h.Execute(ctx, node, params)
		}
	}
}

// suspendOnTimer persists the resume snapshot as a workflow timer and
// parks the execution. The queue job completes; the sweeper re-enqueues.
func (o *Orchestrator) suspendOnTimer(ctx context.Context, job *queue.Job, rs *runstate.ResumeState, resumeAt time.Time) error {
	if err := o.createResumeTimer(ctx, job, rs, resumeAt); err != nil {
		return err
	}
	if err := o.Runs.MarkExecutionWaiting(ctx, job.ExecutionID, "delay", resumeAt); err != nil {
		return err
	}
	o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
		Type: "execution_waiting", ExecutionID: job.ExecutionID, Status: runstate.StatusWaiting, Timestamp: time.Now(),
	})
	return nil
}

// createResumeTimer writes the pending timer row carrying the resume job.
func (o *Orchestrator) createResumeTimer(ctx context.Context, job *queue.Job, rs *runstate.ResumeState, resumeAt time.Time) error {
	payload, err := json.Marshal(runstate.TimerPayload{
		ExecutionID:    job.ExecutionID,
		WorkflowID:     job.WorkflowID,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
		Region:         o.cfg.Region,
		Resume:         *rs,
		InitialData:    job.InitialData,
	})
	if err != nil {
		return err
	}
	timer := &runstate.WorkflowTimer{
		ID:          uuid.NewString(),
		ExecutionID: job.ExecutionID,
		ResumeAt:    resumeAt,
		Payload:     payload,
		Status:      runstate.TimerPending,
		CreatedAt:   time.Now(),
	}
	if err := o.Runs.Store().CreateTimer(ctx, timer); err != nil {
		return fmt.Errorf("create timer for %s: %w", job.ExecutionID, err)
	}
	return nil
}

// suspendOnCallback issues a single-use resume token, persists the resume
// snapshot on the execution row and parks until the callback or WaitUntil.
func (o *Orchestrator) suspendOnCallback(ctx context.Context, job *queue.Job, node *workflow.Node, rs *runstate.ResumeState, wait *WaitSignal) error {
	waitUntil := wait.WaitUntil
	if waitUntil.IsZero() {
		waitUntil = time.Now().Add(24 * time.Hour)
	}
	token := NewResumeToken(job.ExecutionID, node.ID, waitUntil)
	if err := o.Tokens.Issue(ctx, token); err != nil {
		return err
	}

	exec, err := o.Runs.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Metadata == nil {
		exec.Metadata = make(map[string]any)
	}
	exec.Metadata["resume_state"] = rs
	exec.Metadata["callback_token_id"] = token.ID
	exec.Metadata["callback_url"] = fmt.Sprintf("/executions/%s/callbacks/%s", job.ExecutionID, token.ID)
	if err := o.Runs.Store().UpdateExecution(ctx, exec); err != nil {
		return err
	}

	// Deadline fallback: if no callback arrives, the timer resumes the
	// execution at WaitUntil and the node sees its wait expired.
	if err := o.createResumeTimer(ctx, job, rs, waitUntil); err != nil {
		return err
	}
	reason := wait.Reason
	if reason == "" {
		reason = "callback"
	}
	if err := o.Runs.MarkExecutionWaiting(ctx, job.ExecutionID, reason, waitUntil); err != nil {
		return err
	}
	o.Events.PublishEvent(job.OrganizationID, ExecutionEvent{
		Type: "execution_waiting", ExecutionID: job.ExecutionID, Status: runstate.StatusWaiting, Timestamp: time.Now(),
	})
	return nil
}

// retryHistory converts the retry manager's record into store events.
func retryHistory(rec retry.ExecutionRecord) []runstate.RetryEvent {
	if len(rec.Attempts) == 0 {
		return nil
	}
	events := make([]runstate.RetryEvent, 0, len(rec.Attempts))
	for _, a := range rec.Attempts {
		events = append(events, runstate.RetryEvent{
			Attempt:   a.Attempt,
			Error:     a.Error,
			Code:      string(a.Code),
			Timestamp: a.StartedAt,
		})
	}
	return events
}
