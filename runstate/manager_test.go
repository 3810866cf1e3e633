package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AyushJhin07/Automation-sub003/workflow"
)

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf-1",
		Nodes: []workflow.Node{
			{ID: "a", Label: "Fetch", Kind: workflow.KindHTTP},
			{ID: "b", Label: "Transform", Kind: workflow.KindTransform},
		},
		Edges: []workflow.Edge{{From: "a", To: "b"}},
	}
}

func startTestExecution(t *testing.T, m *Manager) *Execution {
	t.Helper()
	e, err := m.StartExecution(context.Background(), StartParams{
		ExecutionID:    "exec-1",
		Workflow:       testWorkflow(),
		OrganizationID: "org-1",
		UserID:         "user-1",
		TriggerType:    "manual",
		TriggerData:    map[string]any{"input": 1},
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	return e
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)

	if e.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", e.Status)
	}
	if e.CorrelationID == "" {
		t.Fatal("correlation id must be generated")
	}
	if e.TotalNodes != 2 {
		t.Fatalf("total nodes = %d", e.TotalNodes)
	}

	lease := &Lease{WorkerID: "w-1", LockedAt: time.Now(), LockExpiresAt: time.Now().Add(30 * time.Second)}
	if _, err := m.MarkRunning(ctx, e.ID, lease); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	node := &testWorkflow().Nodes[0]
	if _, err := m.StartNodeExecution(ctx, e.ID, node, map[string]any{"q": "x"}, NodeStartOptions{Attempt: 1, IdempotencyKey: "k-a"}); err != nil {
		t.Fatalf("start node: %v", err)
	}
	if err := m.CompleteNodeExecution(ctx, e.ID, "a", 1, map[string]any{"rows": 3}, NodeResultMetadata{ResultHash: "h1", Tokens: 10}); err != nil {
		t.Fatalf("complete node: %v", err)
	}
	if err := m.CompleteExecution(ctx, e.ID, nil, ""); err != nil {
		t.Fatalf("complete execution: %v", err)
	}

	got, err := m.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil || got.DurationMS < 0 {
		t.Fatal("completion timestamps missing")
	}
	if got.Lease != nil {
		t.Fatal("lease must be dropped on completion")
	}
	out, ok := got.NodeOutputs["a"].(map[string]any)
	if !ok || out["rows"] != 3 {
		t.Fatalf("node output missing: %v", got.NodeOutputs)
	}

	// Timeline covers the whole lifecycle in order.
	wantEvents := []string{"execution_started", "node_started", "node_completed", "execution_completed"}
	if len(got.Timeline) != len(wantEvents) {
		t.Fatalf("timeline has %d events, want %d: %+v", len(got.Timeline), len(wantEvents), got.Timeline)
	}
	for i, want := range wantEvents {
		if got.Timeline[i].Type != want {
			t.Fatalf("timeline[%d] = %s, want %s", i, got.Timeline[i].Type, want)
		}
	}
}

func TestTerminalStatusNeverTransitionsBack(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)

	if err := m.CompleteExecution(ctx, e.ID, nil, "boom"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := m.MarkRunning(ctx, e.ID, &Lease{WorkerID: "w-2"}); err == nil {
		t.Fatal("terminal execution must reject running transition")
	}
	if err := m.MarkExecutionWaiting(ctx, e.ID, "timer", time.Now()); err == nil {
		t.Fatal("terminal execution must reject waiting transition")
	}
	// A duplicate terminal report is absorbed, not an error.
	if err := m.CompleteExecution(ctx, e.ID, nil, ""); err != nil {
		t.Fatalf("idempotent complete: %v", err)
	}
	got, _ := m.GetExecution(ctx, e.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed to stick", got.Status)
	}
}

func TestPartialStatusWhenSomeNodesSucceeded(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)
	m.MarkRunning(ctx, e.ID, &Lease{WorkerID: "w-1"})

	node := &testWorkflow().Nodes[0]
	m.StartNodeExecution(ctx, e.ID, node, nil, NodeStartOptions{Attempt: 1})
	m.CompleteNodeExecution(ctx, e.ID, "a", 1, "out-a", NodeResultMetadata{})
	if err := m.CompleteExecution(ctx, e.ID, nil, "node b failed"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := m.GetExecution(ctx, e.ID)
	if got.Status != StatusPartial {
		t.Fatalf("status = %s, want partial when outputs exist", got.Status)
	}
}

func TestMarkExecutionWaiting(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)
	m.MarkRunning(ctx, e.ID, &Lease{WorkerID: "w-1"})

	resumeAt := time.Now().Add(30 * time.Second)
	if err := m.MarkExecutionWaiting(ctx, e.ID, "delay_timer", resumeAt); err != nil {
		t.Fatalf("waiting: %v", err)
	}
	got, _ := m.GetExecution(ctx, e.ID)
	if got.Status != StatusWaiting || got.WaitReason != "delay_timer" {
		t.Fatalf("got %s/%s", got.Status, got.WaitReason)
	}
	if got.Lease != nil {
		t.Fatal("waiting execution must not hold a lease")
	}
	if got.ResumeAt == nil || !got.ResumeAt.Equal(resumeAt) {
		t.Fatalf("resume_at = %v", got.ResumeAt)
	}
}

func TestFailNodeExecutionRecordsDLQ(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)
	m.MarkRunning(ctx, e.ID, &Lease{WorkerID: "w-1"})

	node := &testWorkflow().Nodes[0]
	m.StartNodeExecution(ctx, e.ID, node, nil, NodeStartOptions{Attempt: 1})
	err := m.FailNodeExecution(ctx, e.ID, "a", 1, errors.New("sandbox cpu limit exceeded"), AttemptDLQ, NodeResultMetadata{
		RetryHistory: []RetryEvent{{Attempt: 1, Error: "sandbox cpu limit exceeded", Code: "SANDBOX_RESOURCE_LIMIT"}},
	})
	if err != nil {
		t.Fatalf("fail node: %v", err)
	}
	a, err := m.Store().GetNodeAttempt(ctx, e.ID, "a", 1)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if a.Status != AttemptDLQ {
		t.Fatalf("attempt status = %s, want dlq", a.Status)
	}
	if len(a.RetryHistory) != 1 || a.RetryHistory[0].Code != "SANDBOX_RESOURCE_LIMIT" {
		t.Fatalf("retry history: %+v", a.RetryHistory)
	}
}

func TestRollupsAccumulate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)
	m.MarkRunning(ctx, e.ID, &Lease{WorkerID: "w-1"})

	wf := testWorkflow()
	m.StartNodeExecution(ctx, e.ID, &wf.Nodes[0], nil, NodeStartOptions{Attempt: 1})
	m.CompleteNodeExecution(ctx, e.ID, "a", 1, "x", NodeResultMetadata{CostUSD: 0.10, Tokens: 100})
	m.StartNodeExecution(ctx, e.ID, &wf.Nodes[1], nil, NodeStartOptions{Attempt: 1})
	m.CompleteNodeExecution(ctx, e.ID, "b", 1, "y", NodeResultMetadata{CostUSD: 0.05, Tokens: 50, CacheHit: true})

	got, _ := m.GetExecution(ctx, e.ID)
	if cost := got.Metadata["total_cost_usd"].(float64); cost < 0.149 || cost > 0.151 {
		t.Fatalf("total cost = %v", cost)
	}
	if tokens := got.Metadata["total_tokens"].(float64); tokens != 150 {
		t.Fatalf("total tokens = %v", tokens)
	}
	if hits := got.Metadata["cache_hits"].(float64); hits != 1 {
		t.Fatalf("cache hits = %v", hits)
	}
}

func TestListExecutionsFilter(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	for i, org := range []string{"org-1", "org-1", "org-2"} {
		_, err := m.StartExecution(ctx, StartParams{
			ExecutionID:    "exec-" + string(rune('a'+i)),
			Workflow:       testWorkflow(),
			OrganizationID: org,
			TriggerType:    "webhook",
			Tags:           []string{"batch"},
		})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	m.CompleteExecution(ctx, "exec-a", nil, "err")

	list, err := m.ListExecutions(ctx, Filter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("org-1 executions = %d, want 2", len(list))
	}

	failed, _ := m.ListExecutions(ctx, Filter{Statuses: []string{StatusFailed}})
	if len(failed) != 1 || failed[0].ID != "exec-a" {
		t.Fatalf("failed filter: %+v", failed)
	}

	tagged, _ := m.ListExecutions(ctx, Filter{Tags: []string{"batch", "missing"}})
	if len(tagged) != 0 {
		t.Fatal("all requested tags must match")
	}
}

func TestStatsWindow(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)
	m.CompleteExecution(ctx, e.ID, nil, "")

	stats, err := m.StatsWindow(ctx, "org-1", "hour")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[StatusCompleted] != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if _, err := m.StatsWindow(ctx, "org-1", "month"); err == nil {
		t.Fatal("unknown window must error")
	}

	// Another organization's window is empty; the rollup never crosses
	// tenants.
	other, err := m.StatsWindow(ctx, "org-2", "hour")
	if err != nil {
		t.Fatalf("stats for other org: %v", err)
	}
	if other.Total != 0 {
		t.Fatalf("org-2 stats = %+v, want empty", other)
	}
}

// Runs node completions against a reader that serializes the execution the
// way the HTTP API does. The store must hand out isolated copies; shared
// map storage here is a concurrent-map-write crash under -race.
func TestConcurrentNodeCompletionAndReads(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")

	const nodes = 50
	wf := &workflow.Workflow{ID: "wf-wide"}
	for i := 0; i < nodes; i++ {
		wf.Nodes = append(wf.Nodes, workflow.Node{
			ID:    fmt.Sprintf("n%02d", i),
			Label: "Step",
			Kind:  workflow.KindTransform,
		})
	}
	e, err := m.StartExecution(ctx, StartParams{
		ExecutionID:    "exec-race",
		Workflow:       wf,
		OrganizationID: "org-1",
		TriggerType:    "manual",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.MarkRunning(ctx, e.ID, &Lease{WorkerID: "w-1"}); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < nodes; i++ {
			node := &wf.Nodes[i]
			if _, err := m.StartNodeExecution(ctx, e.ID, node, nil, NodeStartOptions{Attempt: 1}); err != nil {
				t.Errorf("start node %s: %v", node.ID, err)
				return
			}
			err := m.CompleteNodeExecution(ctx, e.ID, node.ID, 1, map[string]any{"i": i}, NodeResultMetadata{Tokens: 1})
			if err != nil {
				t.Errorf("complete node %s: %v", node.ID, err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			got, err := m.GetExecution(ctx, e.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if len(got.NodeOutputs) != nodes {
				t.Fatalf("node outputs = %d, want %d", len(got.NodeOutputs), nodes)
			}
			return
		default:
			got, err := m.GetExecution(ctx, e.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if _, err := json.Marshal(got); err != nil {
				t.Fatalf("marshal: %v", err)
			}
		}
	}
}

// Mutating a record returned from the store must not leak back into it.
func TestReturnedExecutionIsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), "us")
	e := startTestExecution(t, m)

	e.Metadata["injected"] = true
	e.TriggerData["input"] = 99
	e.NodeOutputs["rogue"] = "x"
	e.Tags = append(e.Tags, "rogue")
	e.Timeline[0].Attributes["rogue"] = "x"

	got, err := m.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.Metadata["injected"]; ok {
		t.Fatal("metadata mutation leaked into the store")
	}
	if got.TriggerData["input"] != 1 {
		t.Fatalf("trigger data mutated: %v", got.TriggerData)
	}
	if _, ok := got.NodeOutputs["rogue"]; ok {
		t.Fatal("node output mutation leaked into the store")
	}
	if _, ok := got.Timeline[0].Attributes["rogue"]; ok {
		t.Fatal("timeline attribute mutation leaked into the store")
	}
}

func TestAttributeCap(t *testing.T) {
	big := make([]byte, maxAttributeBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	capped := capString(string(big))
	if len(capped) > maxAttributeBytes+len("...[truncated]") {
		t.Fatalf("capped length = %d", len(capped))
	}
}
