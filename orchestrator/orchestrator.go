package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AyushJhin07/Automation-sub003/config"
	"github.com/AyushJhin07/Automation-sub003/observability"
	"github.com/AyushJhin07/Automation-sub003/queue"
	"github.com/AyushJhin07/Automation-sub003/retry"
	"github.com/AyushJhin07/Automation-sub003/runstate"
	"github.com/AyushJhin07/Automation-sub003/sandbox"
	"github.com/AyushJhin07/Automation-sub003/tenancy"
	"github.com/AyushJhin07/Automation-sub003/workflow"
)

// AdmissionMode is the scheduler kill switch.
type AdmissionMode string

const (
	ModeNormal AdmissionMode = "normal"
	ModeDrain  AdmissionMode = "drain"  // resumes only; new work refused
	ModeFreeze AdmissionMode = "freeze" // everything refused
)

// WorkflowLoader fetches workflow graphs by id. The authoring store is an
// external collaborator.
type WorkflowLoader interface {
	Load(ctx context.Context, workflowID string) (*workflow.Workflow, error)
}

// StaticWorkflows is a map-backed loader for tests and single-node mode.
type StaticWorkflows struct {
	mu  sync.RWMutex
	wfs map[string]*workflow.Workflow
}

func NewStaticWorkflows() *StaticWorkflows {
	return &StaticWorkflows{wfs: make(map[string]*workflow.Workflow)}
}

func (s *StaticWorkflows) Put(wf *workflow.Workflow) {
	s.mu.Lock()
	s.wfs[wf.ID] = wf
	s.mu.Unlock()
}

func (s *StaticWorkflows) Load(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.wfs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return wf, nil
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Queue      queue.Queue
	Runs       *runstate.Manager
	Retries    *retry.Manager
	Sandboxes  *sandbox.Factory
	Tenants    tenancy.Resolver
	Quotas     QuotaState
	Tokens     TokenStore
	Workflows  WorkflowLoader
	Handlers   *HandlerRegistry
	Connectors ConnectorDispatcher
	Generic    GenericExecutor
	Resolver   ParamResolver
	Events     EventSink
}

// Orchestrator is the scheduler kernel.
type Orchestrator struct {
	cfg config.Config
	Deps

	workerID string
	sem      *semaphore.Weighted
	inFlight int64

	mu       sync.Mutex
	mode     AdmissionMode
	limiters map[string]*rate.Limiter // per-tenant dispatch pacing

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Orchestrator {
	if deps.Resolver == nil {
		deps.Resolver = identityResolver{}
	}
	if deps.Events == nil {
		deps.Events = NopSink{}
	}
	return &Orchestrator{
		cfg:      cfg,
		Deps:     deps,
		workerID: "worker-" + uuid.NewString()[:8],
		sem:      semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		mode:     ModeNormal,
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
}

// WorkerID identifies this process in leases.
func (o *Orchestrator) WorkerID() string { return o.workerID }

// Mode returns the current admission mode.
func (o *Orchestrator) Mode() AdmissionMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// SetMode flips the admission kill switch.
func (o *Orchestrator) SetMode(m AdmissionMode) {
	o.mu.Lock()
	o.mode = m
	o.mu.Unlock()
	log.Printf("[orchestrator] admission mode set to %s", m)
}

// EnqueueRequest starts a new execution.
type EnqueueRequest struct {
	WorkflowID     string
	OrganizationID string
	UserID         string
	TriggerType    string
	TriggerData    map[string]any
	Tags           []string
	ReplayOf       string // source execution id when replaying
}

// EnqueueResult carries the admitted execution id.
type EnqueueResult struct {
	ExecutionID string `json:"execution_id"`
}

// Enqueue admits a new execution: usage quota, connector concurrency,
// rate window, then a queued row and a region-queue job. Denials create a
// terminal failed row carrying the verdict.
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if mode := o.Mode(); mode != ModeNormal {
		observability.ExecutionsRejected.WithLabelValues("admission_mode").Inc()
		return nil, &AdmissionRefused{Mode: string(mode)}
	}
	if req.TriggerType == "" {
		req.TriggerType = "manual"
	}

	wf, err := o.Workflows.Load(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	connectors := wf.ConnectorIDs()

	profile, err := o.Tenants.Resolve(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if profile.Region != "" && profile.Region != o.cfg.Region {
		return nil, fmt.Errorf("tenant %s is homed in region %s, not %s (%s)",
			req.OrganizationID, profile.Region, o.cfg.Region, CodeRegionMismatch)
	}

	executionID := uuid.NewString()

	// Usage quota: plan allowance per user.
	if req.UserID != "" {
		quota := profile.QuotaFor(req.UserID)
		if quota.Exceeded() {
			qErr := &UsageQuotaExceeded{UserID: req.UserID, Used: quota.UsedExecutions, Limit: quota.MonthlyExecutions}
			o.recordAdmissionFailure(ctx, executionID, wf, req, "quota_usage", qErr, map[string]any{
				"quota_verdict": map[string]any{"used": quota.UsedExecutions, "limit": quota.MonthlyExecutions},
			})
			return nil, qErr
		}
	}

	// Connector concurrency: refuse when any connector is at its cap.
	for _, connectorID := range connectors {
		limit := profile.ConnectorLimit(connectorID)
		if limit <= 0 {
			continue
		}
		ok, err := o.Quotas.AcquireConnector(ctx, req.OrganizationID, connectorID, limit)
		if err != nil {
			return nil, err
		}
		// Probe only; slots are held during the run, not from admission.
		o.Quotas.ReleaseConnector(ctx, req.OrganizationID, connectorID)
		if !ok {
			cErr := &ConnectorConcurrencyExceeded{ConnectorID: connectorID, Limit: limit}
			o.recordAdmissionFailure(ctx, executionID, wf, req, "connector_concurrency", cErr, map[string]any{
				"connector_id": connectorID,
			})
			return nil, cErr
		}
	}

	// Rate window admission.
	now := time.Now()
	admitted, windowCount, err := o.Quotas.AdmitRate(ctx, req.OrganizationID, profile.Limits.MaxExecutionsPerMinute, now)
	if err != nil {
		return nil, err
	}
	if !admitted {
		rErr := &ExecutionQuotaExceeded{Scope: "rate", Count: windowCount, Limit: profile.Limits.MaxExecutionsPerMinute}
		o.recordAdmissionFailure(ctx, executionID, wf, req, "quota_rate", rErr, map[string]any{
			"quota_event": map[string]any{"window_count": windowCount, "limit": profile.Limits.MaxExecutionsPerMinute},
		})
		return nil, rErr
	}

	runningBefore, _ := o.Quotas.RunningCount(ctx, req.OrganizationID)

	meta := map[string]any{
		"queued_at": now,
		"region":    o.cfg.Region,
		"quota": map[string]any{
			"running_before_enqueue": runningBefore,
			"window_count":           windowCount,
			"window_start":           now.Add(-rateWindow),
			"limits":                 profile.Limits,
		},
		"deterministic_seed": DedupeSeed(req.TriggerData),
	}
	if req.ReplayOf != "" {
		meta["replay_of"] = req.ReplayOf
	}

	corr := ""
	if req.ReplayOf != "" {
		if src, err := o.Runs.GetExecution(ctx, req.ReplayOf); err == nil {
			corr = src.CorrelationID
		}
	}
	exec, err := o.Runs.StartExecution(ctx, runstate.StartParams{
		ExecutionID:    executionID,
		Workflow:       wf,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Tags:           req.Tags,
		Metadata:       meta,
		CorrelationID:  corr,
	})
	if err != nil {
		return nil, err
	}

	job := &queue.Job{
		ExecutionID:    executionID,
		WorkflowID:     wf.ID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Connectors:     connectors,
		Region:         o.cfg.Region,
	}
	if err := o.Queue.Add(ctx, job); err != nil {
		o.Runs.CompleteExecution(ctx, executionID, nil, "enqueue failed: "+err.Error())
		return nil, fmt.Errorf("enqueue execution %s: %w", executionID, err)
	}

	observability.ExecutionsAdmitted.WithLabelValues(o.cfg.Region, req.TriggerType).Inc()
	o.Events.PublishEvent(req.OrganizationID, ExecutionEvent{
		Type: "execution_queued", ExecutionID: executionID, Status: runstate.StatusQueued, Timestamp: now,
	})
	_ = exec
	return &EnqueueResult{ExecutionID: executionID}, nil
}

func (o *Orchestrator) recordAdmissionFailure(ctx context.Context, executionID string, wf *workflow.Workflow, req EnqueueRequest, reason string, cause error, extra map[string]any) {
	observability.ExecutionsRejected.WithLabelValues(reason).Inc()
	meta := map[string]any{"rejection_reason": reason}
	for k, v := range extra {
		meta[k] = v
	}
	_, err := o.Runs.StartExecution(ctx, runstate.StartParams{
		ExecutionID:    executionID,
		Workflow:       wf,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Tags:           req.Tags,
		Metadata:       meta,
	})
	if err != nil {
		log.Printf("[orchestrator] admission failure row for %s not recorded: %v", executionID, err)
		return
	}
	o.Runs.CompleteExecution(ctx, executionID, nil, cause.Error())
}

// ResumeRequest continues a suspended execution.
type ResumeRequest struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	UserID         string
	Resume         *runstate.ResumeState
	InitialData    map[string]any
	TimerID        string
	TokenID        string
}

// EnqueueResume places a resume job on the region queue. It shares the
// tenant group with first-run jobs; admission quotas are not re-checked.
func (o *Orchestrator) EnqueueResume(ctx context.Context, req ResumeRequest) error {
	if o.Mode() == ModeFreeze {
		observability.ExecutionsRejected.WithLabelValues("admission_mode").Inc()
		return &AdmissionRefused{Mode: string(ModeFreeze)}
	}
	if req.Resume == nil {
		return fmt.Errorf("resume for %s has no resume state", req.ExecutionID)
	}
	job := &queue.Job{
		ExecutionID:    req.ExecutionID,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    "resume",
		Resume:         req.Resume,
		InitialData:    req.InitialData,
		TimerID:        req.TimerID,
		TokenID:        req.TokenID,
		Region:         o.cfg.Region,
	}
	return o.Queue.Add(ctx, job)
}

// CallbackResume consumes a one-time resume token and re-enqueues the
// waiting execution. Serves POST /executions/{id}/callbacks/{tokenId}.
func (o *Orchestrator) CallbackResume(ctx context.Context, executionID, tokenID string, initialData map[string]any) error {
	token, err := o.Tokens.Consume(ctx, tokenID, executionID, time.Now())
	if err != nil {
		return err
	}
	exec, err := o.Runs.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != runstate.StatusWaiting {
		return fmt.Errorf("execution %s is not waiting (status %s)", executionID, exec.Status)
	}
	resume, err := resumeStateFromMetadata(exec)
	if err != nil {
		return err
	}
	if initialData != nil {
		if resume.NodeOutputs == nil {
			resume.NodeOutputs = make(map[string]any)
		}
		resume.NodeOutputs[token.NodeID+":callback"] = initialData
	}
	return o.EnqueueResume(ctx, ResumeRequest{
		ExecutionID:    executionID,
		WorkflowID:     exec.WorkflowID,
		OrganizationID: exec.OrganizationID,
		UserID:         exec.UserID,
		Resume:         resume,
		InitialData:    initialData,
		TokenID:        tokenID,
	})
}

// resumeStateFromMetadata decodes the ResumeState persisted when the
// execution suspended on a callback.
func resumeStateFromMetadata(exec *runstate.Execution) (*runstate.ResumeState, error) {
	raw, ok := exec.Metadata["resume_state"]
	if !ok {
		return nil, fmt.Errorf("execution %s has no persisted resume state", exec.ID)
	}
	// The metadata value survives a JSON round trip through the store, so
	// it may be either the struct or a decoded map.
	if rs, ok := raw.(*runstate.ResumeState); ok {
		return rs, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rs runstate.ResumeState
	if err := json.Unmarshal(buf, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Snapshot is the debug surface for operators.
type Snapshot struct {
	WorkerID    string        `json:"worker_id"`
	Region      string        `json:"region"`
	Mode        AdmissionMode `json:"admission_mode"`
	InFlight    int64         `json:"in_flight"`
	Concurrency int           `json:"concurrency"`
	QueueCounts queue.Counts  `json:"queue_counts"`
	RetryStats  retry.Stats   `json:"retry_stats"`
	QueueDriver string        `json:"queue_driver"`
	SnapshotAt  time.Time     `json:"snapshot_at"`
}

// GetSnapshot assembles current scheduler state.
func (o *Orchestrator) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := o.Queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	inFlight := o.inFlight
	mode := o.mode
	o.mu.Unlock()
	return &Snapshot{
		WorkerID:    o.workerID,
		Region:      o.cfg.Region,
		Mode:        mode,
		InFlight:    inFlight,
		Concurrency: o.cfg.WorkerConcurrency,
		QueueCounts: counts,
		RetryStats:  o.Retries.Stats(),
		QueueDriver: o.Queue.Name(),
		SnapshotAt:  time.Now(),
	}, nil
}

// limiterFor returns the dispatch pacer for a tenant, creating it from the
// tenant's per-minute limit on first use.
func (o *Orchestrator) limiterFor(ctx context.Context, orgID string) *rate.Limiter {
	o.mu.Lock()
	if lim, ok := o.limiters[orgID]; ok {
		o.mu.Unlock()
		return lim
	}
	o.mu.Unlock()

	perMinute := tenancy.DefaultLimits.MaxExecutionsPerMinute
	if profile, err := o.Tenants.Resolve(ctx, orgID); err == nil && profile.Limits.MaxExecutionsPerMinute > 0 {
		perMinute = profile.Limits.MaxExecutionsPerMinute
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), max(1, perMinute/6))

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.limiters[orgID]; ok {
		return existing
	}
	o.limiters[orgID] = lim
	return lim
}

// Start launches the consumer loop and the background sweepers.
func (o *Orchestrator) Start(ctx context.Context) {
	log.Printf("[orchestrator] %s starting: region=%s concurrency=%d tenant_cap=%d queue=%s",
		o.workerID, o.cfg.Region, o.cfg.WorkerConcurrency, o.cfg.TenantConcurrency, o.Queue.Name())

	o.wg.Add(4)
	go o.consumeLoop(ctx)
	go o.reclaimLoop(ctx)
	go o.timerSweepLoop(ctx)
	go o.gaugeLoop(ctx)

	o.Retries.StartCleanup(ctx)
	o.Runs.StartCleanup(ctx)
}

// Stop signals all loops and waits for in-flight work to drain.
func (o *Orchestrator) Stop() {
	close(o.stop)
	o.wg.Wait()
	log.Printf("[orchestrator] %s stopped", o.workerID)
}

// gaugeLoop refreshes queue depth and saturation gauges.
func (o *Orchestrator) gaugeLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			counts, err := o.Queue.Counts(ctx)
			if err != nil {
				continue
			}
			observability.QueueDepth.WithLabelValues(o.cfg.Region, "waiting").Set(float64(counts.Waiting))
			observability.QueueDepth.WithLabelValues(o.cfg.Region, "active").Set(float64(counts.Active))
			observability.QueueDepth.WithLabelValues(o.cfg.Region, "delayed").Set(float64(counts.Delayed))
			if mq, ok := o.Queue.(*queue.MemoryQueue); ok {
				observability.QueueOldestJobAge.WithLabelValues(o.cfg.Region).Set(mq.OldestWaitingAge(time.Now()).Seconds())
			}
			o.mu.Lock()
			inFlight := o.inFlight
			o.mu.Unlock()
			observability.WorkerSaturation.Set(float64(inFlight) / float64(o.cfg.WorkerConcurrency))
		}
	}
}
