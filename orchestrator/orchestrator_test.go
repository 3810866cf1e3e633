package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AyushJhin07/Automation-sub003/config"
	"github.com/AyushJhin07/Automation-sub003/idempotency"
	"github.com/AyushJhin07/Automation-sub003/queue"
	"github.com/AyushJhin07/Automation-sub003/retry"
	"github.com/AyushJhin07/Automation-sub003/runstate"
	"github.com/AyushJhin07/Automation-sub003/sandbox"
	"github.com/AyushJhin07/Automation-sub003/tenancy"
	"github.com/AyushJhin07/Automation-sub003/workflow"
)

func testConfig() config.Config {
	return config.Config{
		Region:            "us",
		QueueDriver:       "inmemory",
		WorkerConcurrency: 4,
		TenantConcurrency: 2,
		MaxRetries:        1,
		RetryDelay:        5 * time.Millisecond,
		MaxRetryDelay:     20 * time.Millisecond,
		LockDuration:      2 * time.Second,
		LockRenewTime:     100 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		HeartbeatPersist:  40 * time.Millisecond,
	}
}

type countingHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(node *workflow.Node, input map[string]any) (any, error)
}

func newCountingHandler(fn func(node *workflow.Node, input map[string]any) (any, error)) *countingHandler {
	return &countingHandler{calls: make(map[string]int), fn: fn}
}

func (h *countingHandler) Execute(ctx context.Context, node *workflow.Node, input map[string]any) (any, error) {
	h.mu.Lock()
	h.calls[node.ID]++
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(node, input)
	}
	return "out:" + node.ID, nil
}

func (h *countingHandler) count(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[nodeID]
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []ExecutionEvent
}

func (s *sinkRecorder) PublishEvent(org string, e ExecutionEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sinkRecorder) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type testEngine struct {
	o        *Orchestrator
	wfs      *StaticWorkflows
	tenants  *tenancy.StaticResolver
	handlers *countingHandler
	events   *sinkRecorder
	sandbox  *sandbox.WorkerExecutor
}

func newTestEngine(t *testing.T, cfg config.Config) *testEngine {
	t.Helper()
	wfs := NewStaticWorkflows()
	tenants := tenancy.NewStaticResolver(cfg.Region)
	registry := NewHandlerRegistry()
	handler := newCountingHandler(nil)
	registry.Register(workflow.KindTransform, handler)
	registry.Register(workflow.KindHTTP, handler)
	registry.Register(workflow.KindLLM, handler)
	events := &sinkRecorder{}
	workerExec := sandbox.NewWorkerExecutor()

	policy := retry.Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RetryableErrors:   retry.DefaultRetryable,
	}
	o := New(cfg, Deps{
		Queue: queue.NewMemoryQueue(queue.Options{
			Region:            cfg.Region,
			TenantConcurrency: cfg.TenantConcurrency,
			LockDuration:      cfg.LockDuration,
			MaxRetries:        cfg.MaxRetries,
			RetryDelay:        cfg.RetryDelay,
			MaxRetryDelay:     cfg.MaxRetryDelay,
		}),
		Runs:      runstate.NewManager(runstate.NewMemoryStore(), cfg.Region),
		Retries:   retry.NewManager(idempotency.NewMemoryStore(), policy, retry.DefaultCircuitConfig()),
		Sandboxes: sandbox.NewFactory(workerExec, sandbox.Policy{}, nil),
		Tenants:   tenants,
		Quotas:    NewMemoryQuotaState(),
		Tokens:    NewMemoryTokenStore(),
		Workflows: wfs,
		Handlers:  registry,
		Events:    events,
	})
	return &testEngine{o: o, wfs: wfs, tenants: tenants, handlers: handler, events: events, sandbox: workerExec}
}

func linearWorkflow(id string, nodes ...workflow.Node) *workflow.Workflow {
	wf := &workflow.Workflow{ID: id, OrganizationID: "org-1", Nodes: nodes}
	for i := 1; i < len(nodes); i++ {
		wf.Edges = append(wf.Edges, workflow.Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}
	return wf
}

func waitForStatus(t *testing.T, o *Orchestrator, executionID, status string, timeout time.Duration) *runstate.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := o.Runs.GetExecution(context.Background(), executionID)
		if err == nil && e.Status == status {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	e, _ := o.Runs.GetExecution(context.Background(), executionID)
	got := "<missing>"
	if e != nil {
		got = e.Status + " / " + e.Error
	}
	t.Fatalf("execution %s never reached %s (last: %s)", executionID, status, got)
	return nil
}

func TestEnqueueRunsToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	eng.sandbox.Register("echo", func(ctx context.Context, call *sandbox.Call) (any, error) {
		return map[string]any{"echo": call.Params["v"]}, nil
	})
	eng.wfs.Put(linearWorkflow("wf-1",
		workflow.Node{ID: "a", Kind: workflow.KindTransform},
		workflow.Node{ID: "b", Kind: workflow.KindSandboxed, Params: map[string]any{"v": "x"},
			Runtime: &workflow.Runtime{Code: "builtin", EntryPoint: "echo"}},
	))

	eng.o.Start(ctx)
	defer eng.o.Stop()

	res, err := eng.o.Enqueue(ctx, EnqueueRequest{
		WorkflowID: "wf-1", OrganizationID: "org-1", UserID: "user-1", TriggerType: "manual",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e := waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusCompleted, 5*time.Second)
	if e.NodeOutputs["a"] != "out:a" {
		t.Fatalf("node a output = %v", e.NodeOutputs["a"])
	}
	if out, ok := e.NodeOutputs["b"].(map[string]any); !ok || out["echo"] != "x" {
		t.Fatalf("node b output = %v", e.NodeOutputs["b"])
	}
	if e.Lease != nil {
		t.Fatal("terminal execution must not keep a lease")
	}
	if len(e.Timeline) == 0 || e.Timeline[0].Type != "execution_started" {
		t.Fatalf("timeline = %v", e.Timeline)
	}
}

func TestAdmissionUsageQuota(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-q", workflow.Node{ID: "a", Kind: workflow.KindTransform}))
	eng.tenants.Put(&tenancy.Profile{
		OrganizationID: "org-1",
		Limits:         tenancy.DefaultLimits,
		UserQuotas: map[string]tenancy.UsageQuota{
			"user-1": {MonthlyExecutions: 100, UsedExecutions: 100},
		},
	})

	_, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-q", OrganizationID: "org-1", UserID: "user-1"})
	var quotaErr *UsageQuotaExceeded
	if !errors.As(err, &quotaErr) {
		t.Fatalf("err = %v, want UsageQuotaExceeded", err)
	}
	if quotaErr.ErrorCode() != CodeQuotaUsage {
		t.Fatalf("code = %s", quotaErr.ErrorCode())
	}

	// The denial leaves a terminal failed row carrying the verdict.
	rows, err := eng.o.Runs.ListExecutions(ctx, runstate.Filter{OrganizationID: "org-1", Statuses: []string{runstate.StatusFailed}})
	if err != nil || len(rows) != 1 {
		t.Fatalf("failed rows = %d, err = %v", len(rows), err)
	}
	if rows[0].Metadata["rejection_reason"] != "quota_usage" {
		t.Fatalf("rejection metadata = %v", rows[0].Metadata)
	}
}

func TestAdmissionRateWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-r", workflow.Node{ID: "a", Kind: workflow.KindTransform}))
	eng.tenants.Put(&tenancy.Profile{
		OrganizationID: "org-1",
		Limits:         tenancy.Limits{MaxConcurrentExecutions: 10, MaxExecutionsPerMinute: 2},
	})

	for i := 0; i < 2; i++ {
		if _, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-r", OrganizationID: "org-1"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-r", OrganizationID: "org-1"})
	var rateErr *ExecutionQuotaExceeded
	if !errors.As(err, &rateErr) || rateErr.Scope != "rate" {
		t.Fatalf("err = %v, want rate ExecutionQuotaExceeded", err)
	}
}

func TestRateMemberUniqueWithinInstant(t *testing.T) {
	// Two admissions in the same instant must land as two ZSET members, or
	// the sliding window undercounts and the limit leaks.
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		m := rateMember(now)
		if seen[m] {
			t.Fatalf("window member %q repeated for one timestamp", m)
		}
		seen[m] = true
	}
}

func TestAdmissionModes(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-m", workflow.Node{ID: "a", Kind: workflow.KindTransform}))

	eng.o.SetMode(ModeDrain)
	_, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-m", OrganizationID: "org-1"})
	var refused *AdmissionRefused
	if !errors.As(err, &refused) {
		t.Fatalf("drain must refuse new work, got %v", err)
	}
	// Drain still lets suspended work resume.
	err = eng.o.EnqueueResume(ctx, ResumeRequest{
		ExecutionID: "exec-1", WorkflowID: "wf-m", OrganizationID: "org-1",
		Resume: &runstate.ResumeState{RemainingNodeIDs: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("drain must allow resumes: %v", err)
	}

	eng.o.SetMode(ModeFreeze)
	err = eng.o.EnqueueResume(ctx, ResumeRequest{
		ExecutionID: "exec-2", WorkflowID: "wf-m", OrganizationID: "org-1",
		Resume: &runstate.ResumeState{RemainingNodeIDs: []string{"a"}},
	})
	if !errors.As(err, &refused) {
		t.Fatalf("freeze must refuse resumes, got %v", err)
	}
}

func TestNodeFailureYieldsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	eng.handlers.fn = func(node *workflow.Node, input map[string]any) (any, error) {
		if node.ID == "b" {
			return nil, errors.New("malformed input document")
		}
		return "out:" + node.ID, nil
	}
	eng.wfs.Put(linearWorkflow("wf-f",
		workflow.Node{ID: "a", Kind: workflow.KindTransform},
		workflow.Node{ID: "b", Kind: workflow.KindTransform},
		workflow.Node{ID: "c", Kind: workflow.KindTransform},
	))

	eng.o.Start(ctx)
	defer eng.o.Stop()

	res, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-f", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e := waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusPartial, 5*time.Second)
	if e.NodeOutputs["a"] != "out:a" {
		t.Fatal("successful node output must survive the failure")
	}
	if _, ran := e.NodeOutputs["c"]; ran {
		t.Fatal("downstream node must not run after a failure")
	}
	// "malformed input" classifies as unknown: non-retryable, one attempt.
	if got := eng.handlers.count("b"); got != 1 {
		t.Fatalf("node b attempts = %d, want 1", got)
	}
}

func TestRetryableFailureRetriesThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	var mu sync.Mutex
	failures := 2
	eng.handlers.fn = func(node *workflow.Node, input map[string]any) (any, error) {
		if node.ID != "flaky" {
			return "out:" + node.ID, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, errors.New("connection reset by peer")
		}
		return "recovered", nil
	}
	eng.wfs.Put(linearWorkflow("wf-retry", workflow.Node{ID: "flaky", Kind: workflow.KindHTTP}))

	eng.o.Start(ctx)
	defer eng.o.Stop()

	res, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-retry", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e := waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusCompleted, 5*time.Second)
	if e.NodeOutputs["flaky"] != "recovered" {
		t.Fatalf("output = %v", e.NodeOutputs["flaky"])
	}
	if got := eng.handlers.count("flaky"); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	attempts, _ := eng.o.Runs.ListNodeAttempts(ctx, res.ExecutionID)
	if len(attempts) != 1 {
		t.Fatalf("attempt rows = %d, want 1", len(attempts))
	}
	if len(attempts[0].RetryHistory) != 3 {
		t.Fatalf("retry history = %d entries, want 3", len(attempts[0].RetryHistory))
	}
}

func TestDelayNodeSuspendsAndTimerResumes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-delay",
		workflow.Node{ID: "a", Kind: workflow.KindTransform},
		workflow.Node{ID: "pause", Kind: workflow.KindDelay, Params: map[string]any{"delay_ms": 50}},
		workflow.Node{ID: "z", Kind: workflow.KindTransform},
	))

	eng.o.Start(ctx)
	defer eng.o.Stop()

	res, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-delay", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Timer sweep runs on a 1s cadence, so allow for two ticks.
	e := waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusCompleted, 5*time.Second)
	if e.NodeOutputs["a"] != "out:a" || e.NodeOutputs["z"] != "out:z" {
		t.Fatalf("outputs = %v", e.NodeOutputs)
	}

	var sawWait bool
	for _, ev := range e.Timeline {
		if ev.Type == "execution_waiting" {
			sawWait = true
		}
	}
	if !sawWait {
		t.Fatal("timeline must record the suspension")
	}
	// Node a ran exactly once: the resume started after the delay node.
	if got := eng.handlers.count("a"); got != 1 {
		t.Fatalf("node a ran %d times across suspension", got)
	}
}

func TestZeroDelayIsNoOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-zero",
		workflow.Node{ID: "pause", Kind: workflow.KindDelay},
		workflow.Node{ID: "z", Kind: workflow.KindTransform},
	))

	eng.o.Start(ctx)
	defer eng.o.Stop()

	res, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-zero", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e := waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusCompleted, 5*time.Second)
	for _, ev := range e.Timeline {
		if ev.Type == "execution_waiting" {
			t.Fatal("zero delay must not suspend")
		}
	}
	_ = e
}

func TestCallbackWaitAndResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	eng.handlers.fn = func(node *workflow.Node, input map[string]any) (any, error) {
		if node.ID == "approve" && eng.handlers.count("approve") == 1 {
			return nil, &WaitSignal{Reason: "approval", WaitUntil: time.Now().Add(time.Minute)}
		}
		return "out:" + node.ID, nil
	}
	eng.wfs.Put(linearWorkflow("wf-cb",
		workflow.Node{ID: "approve", Kind: workflow.KindTransform},
		workflow.Node{ID: "z", Kind: workflow.KindTransform},
	))

	eng.o.Start(ctx)
	defer eng.o.Stop()

	res, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-cb", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waiting := waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusWaiting, 5*time.Second)
	tokenID, ok := waiting.Metadata["callback_token_id"].(string)
	if !ok || tokenID == "" {
		t.Fatalf("callback token missing from metadata: %v", waiting.Metadata)
	}

	if err := eng.o.CallbackResume(ctx, res.ExecutionID, tokenID, map[string]any{"approved": true}); err != nil {
		t.Fatalf("callback resume: %v", err)
	}
	e := waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusCompleted, 5*time.Second)
	if e.NodeOutputs["z"] != "out:z" {
		t.Fatalf("outputs = %v", e.NodeOutputs)
	}

	// The token is single use.
	err = eng.o.CallbackResume(ctx, res.ExecutionID, tokenID, nil)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("second consume = %v, want ErrTokenInvalid", err)
	}
}

func TestIdempotentReplaySkipsExecutedNodes(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-replay",
		workflow.Node{ID: "a", Kind: workflow.KindTransform},
		workflow.Node{ID: "b", Kind: workflow.KindTransform},
	))
	wf, _ := eng.wfs.Load(ctx, "wf-replay")
	exec, err := eng.o.Runs.StartExecution(ctx, runstate.StartParams{
		ExecutionID: "exec-replay", Workflow: wf, OrganizationID: "org-1", TriggerType: "manual",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	profile, _ := eng.tenants.Resolve(ctx, "org-1")
	job := &queue.Job{ExecutionID: exec.ID, WorkflowID: "wf-replay", OrganizationID: "org-1", Region: "us"}

	first := eng.o.runNodes(ctx, job, profile)
	if first.err != nil || first.suspended {
		t.Fatalf("first pass: %+v", first)
	}
	if eng.handlers.count("a") != 1 || eng.handlers.count("b") != 1 {
		t.Fatal("first pass must invoke both nodes")
	}

	// A redelivered job replays the whole walk; cached results must answer
	// without invoking the handlers again.
	second := eng.o.runNodes(ctx, job, profile)
	if second.err != nil {
		t.Fatalf("second pass: %v", second.err)
	}
	if eng.handlers.count("a") != 1 || eng.handlers.count("b") != 1 {
		t.Fatalf("replay re-invoked handlers: a=%d b=%d", eng.handlers.count("a"), eng.handlers.count("b"))
	}
	if fmt.Sprintf("%v", second.outputs["b"]) != fmt.Sprintf("%v", first.outputs["b"]) {
		t.Fatal("replayed output must match the original")
	}
}

func TestResumeReusesRecordedKeys(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-keys", workflow.Node{ID: "n1", Kind: workflow.KindTransform}))
	wf, _ := eng.wfs.Load(ctx, "wf-keys")
	exec, err := eng.o.Runs.StartExecution(ctx, runstate.StartParams{
		ExecutionID: "exec-keys", Workflow: wf, OrganizationID: "org-1", TriggerType: "manual",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	profile, _ := eng.tenants.Resolve(ctx, "org-1")

	const recordedKey = "idem_recorded_before_suspension_x"
	job := &queue.Job{
		ExecutionID: exec.ID, WorkflowID: "wf-keys", OrganizationID: "org-1", Region: "us",
		Resume: &runstate.ResumeState{
			RemainingNodeIDs: []string{"n1"},
			IdempotencyKeys:  map[string]string{"n1": recordedKey},
			RequestHashes:    map[string]string{"n1": "prior-hash"},
			StartedAt:        time.Now().Add(-time.Minute),
		},
	}
	out := eng.o.runNodes(ctx, job, profile)
	if out.err != nil {
		t.Fatalf("resume pass: %v", out.err)
	}
	attempts, _ := eng.o.Runs.ListNodeAttempts(ctx, exec.ID)
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d", len(attempts))
	}
	if got := attempts[0].Metadata["idempotency_key"]; got != recordedKey {
		t.Fatalf("key = %v, want the recorded one", got)
	}
	if got := attempts[0].Metadata["request_hash"]; got != "prior-hash" {
		t.Fatalf("request hash = %v, want the recorded one", got)
	}
}

func TestDeterministicKeyStable(t *testing.T) {
	a := DeterministicKey("seed", "exec-1", "node-1")
	b := DeterministicKey("seed", "exec-1", "node-1")
	if a != b {
		t.Fatal("same inputs must produce the same key")
	}
	if DeterministicKey("seed", "exec-2", "node-1") == a {
		t.Fatal("different executions must produce different keys")
	}
	if len(a) != len("idem_")+32 {
		t.Fatalf("key shape = %q", a)
	}
}

func TestTimerSweepEnqueuesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-timer", workflow.Node{ID: "a", Kind: workflow.KindTransform}))
	wf, _ := eng.wfs.Load(ctx, "wf-timer")
	exec, _ := eng.o.Runs.StartExecution(ctx, runstate.StartParams{
		ExecutionID: "exec-timer", Workflow: wf, OrganizationID: "org-1", TriggerType: "manual",
	})
	eng.o.Runs.MarkExecutionWaiting(ctx, exec.ID, "delay", time.Now())

	job := &queue.Job{ExecutionID: exec.ID, WorkflowID: "wf-timer", OrganizationID: "org-1", Region: "us"}
	rs := &runstate.ResumeState{RemainingNodeIDs: []string{"a"}, StartedAt: time.Now()}
	if err := eng.o.createResumeTimer(ctx, job, rs, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("create timer: %v", err)
	}

	eng.o.sweepTimers(ctx)
	eng.o.sweepTimers(ctx) // second sweep must not enqueue again

	d, err := eng.o.Queue.Reserve(ctx, "w1")
	if err != nil || d == nil {
		t.Fatalf("resume job not enqueued: %v", err)
	}
	if !d.Job.IsResume() || d.Job.ExecutionID != exec.ID {
		t.Fatalf("delivery = %+v", d.Job)
	}
	again, _ := eng.o.Queue.Reserve(ctx, "w1")
	if again != nil {
		t.Fatal("timer fired twice")
	}
}

func TestSnapshotSurface(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, testConfig())
	snap, err := eng.o.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.QueueDriver != "inmemory" || snap.Region != "us" || snap.Mode != ModeNormal {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Concurrency != 4 {
		t.Fatalf("concurrency = %d", snap.Concurrency)
	}
}

func TestEventStreamOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, testConfig())
	eng.wfs.Put(linearWorkflow("wf-ev", workflow.Node{ID: "a", Kind: workflow.KindTransform}))

	eng.o.Start(ctx)
	defer eng.o.Stop()

	res, err := eng.o.Enqueue(ctx, EnqueueRequest{WorkflowID: "wf-ev", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForStatus(t, eng.o, res.ExecutionID, runstate.StatusCompleted, 5*time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		types := eng.events.types()
		if len(types) >= 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	types := eng.events.types()
	want := []string{"execution_queued", "execution_running", "node_started", "node_completed", "execution_completed"}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, types[i], w, types)
		}
	}
}
