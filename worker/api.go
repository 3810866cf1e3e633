package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AyushJhin07/Automation-sub003/orchestrator"
	"github.com/AyushJhin07/Automation-sub003/retry"
	"github.com/AyushJhin07/Automation-sub003/runstate"
	"github.com/AyushJhin07/Automation-sub003/workflow"
)

// API serves the engine's HTTP surface: enqueue, execution queries,
// callbacks, the event stream and the operator endpoints.
type API struct {
	engine    *orchestrator.Orchestrator
	hub       *EventHub
	workflows *orchestrator.StaticWorkflows

	// Storm protection on the callback path: external systems retry
	// aggressively when a webhook times out.
	callbackLimiter *rate.Limiter
}

func NewAPI(engine *orchestrator.Orchestrator, hub *EventHub, workflows *orchestrator.StaticWorkflows) *API {
	return &API{
		engine:    engine,
		hub:       hub,
		workflows: workflows,
		// Allow 50 callbacks/sec, burst 100.
		callbackLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	type coded interface{ ErrorCode() string }
	body := map[string]any{"error": err.Error()}
	if c, ok := err.(coded); ok {
		body["code"] = c.ErrorCode()
	}
	writeJSON(w, status, body)
}

// handleExecutions dispatches POST (enqueue) and GET (filtered list).
func (a *API) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleEnqueue(w, r)
	case http.MethodGet:
		a.handleListExecutions(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type enqueueRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	UserID      string         `json:"user_id,omitempty"`
	TriggerType string         `json:"trigger_type,omitempty"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ReplayOf    string         `json:"replay_of,omitempty"`
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	orgID, err := OrgFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkflowID == "" {
		http.Error(w, "workflow_id is required", http.StatusBadRequest)
		return
	}

	res, err := a.engine.Enqueue(r.Context(), orchestrator.EnqueueRequest{
		WorkflowID:     req.WorkflowID,
		OrganizationID: orgID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Tags:           req.Tags,
		ReplayOf:       req.ReplayOf,
	})
	if err != nil {
		writeError(w, admissionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// admissionStatus maps admission errors to HTTP statuses: quota denials
// are 429, kill-switch refusals 503, anything else 500.
func admissionStatus(err error) int {
	var (
		usage   *orchestrator.UsageQuotaExceeded
		quota   *orchestrator.ExecutionQuotaExceeded
		conn    *orchestrator.ConnectorConcurrencyExceeded
		refused *orchestrator.AdmissionRefused
	)
	switch {
	case errors.As(err, &usage), errors.As(err, &quota), errors.As(err, &conn):
		return http.StatusTooManyRequests
	case errors.As(err, &refused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	orgID, err := OrgFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	f := runstate.Filter{
		OrganizationID: orgID,
		WorkflowID:     q.Get("workflow_id"),
		UserID:         q.Get("user_id"),
		Sort:           q.Get("sort"),
		Limit:          intQuery(q.Get("limit"), 50),
		Offset:         intQuery(q.Get("offset"), 0),
	}
	if s := q.Get("status"); s != "" {
		f.Statuses = strings.Split(s, ",")
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.DateFrom = t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.DateTo = t
		}
	}

	list, err := a.engine.Runs.ListExecutions(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list, "count": len(list)})
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// handleExecutionByID serves paths under /executions/:
//
//	GET  /executions/{id}                       execution detail
//	GET  /executions/{id}/attempts              node attempt rows
//	GET  /executions/{id}/related               correlation group
//	POST /executions/{id}/callbacks/{tokenId}   resume a waiting execution
func (a *API) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	orgID, err := OrgFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/executions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	executionID := parts[0]

	exec, err := a.engine.Runs.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, runstate.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Tenant isolation: an execution is only visible to its organization.
	if exec.OrganizationID != orgID {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, exec)

	case len(parts) == 2 && parts[1] == "attempts" && r.Method == http.MethodGet:
		attempts, err := a.engine.Runs.ListNodeAttempts(r.Context(), executionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})

	case len(parts) == 2 && parts[1] == "related" && r.Method == http.MethodGet:
		related, err := a.engine.Runs.ListByCorrelation(r.Context(), exec.CorrelationID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": related})

	case len(parts) == 3 && parts[1] == "callbacks" && r.Method == http.MethodPost:
		a.handleCallback(w, r, executionID, parts[2])

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) handleCallback(w http.ResponseWriter, r *http.Request, executionID, tokenID string) {
	if !a.callbackLimiter.Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}
	var payload map[string]any
	if r.Body != nil {
		// Empty body is a valid bare acknowledgement.
		json.NewDecoder(r.Body).Decode(&payload)
	}
	if err := a.engine.CallbackResume(r.Context(), executionID, tokenID, payload); err != nil {
		if errors.Is(err, orchestrator.ErrTokenInvalid) {
			// One answer for unknown, expired and consumed tokens.
			http.Error(w, "Invalid token", http.StatusGone)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "resuming"})
}

// handleWorkflows registers a workflow graph so it can be enqueued.
func (a *API) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, err := OrgFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wf.OrganizationID = orgID
	if err := wf.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.workflows.Put(&wf)
	writeJSON(w, http.StatusCreated, map[string]any{"id": wf.ID, "nodes": len(wf.Nodes)})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	orgID, err := OrgFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	window := r.URL.Query().Get("window")
	if window == "" {
		window = "day"
	}
	stats, err := a.engine.Runs.StatsWindow(r.Context(), orgID, window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleErrors(w http.ResponseWriter, r *http.Request) {
	orgID, err := OrgFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	// The org from the header always bounds the query; the remaining
	// filters only narrow within it.
	out := a.engine.Retries.ActionableErrors(retry.ErrorFilter{
		OrganizationID: orgID,
		ExecutionID:    q.Get("execution_id"),
		NodeID:         q.Get("node_id"),
		Code:           q.Get("code"),
		Severity:       retry.Severity(q.Get("severity")),
	})
	writeJSON(w, http.StatusOK, map[string]any{"errors": out, "count": len(out)})
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.engine.GetSnapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAdmissionMode flips the scheduler kill switch.
func (a *API) handleAdmissionMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"mode": a.engine.Mode()})
	case http.MethodPost:
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		mode := orchestrator.AdmissionMode(req.Mode)
		switch mode {
		case orchestrator.ModeNormal, orchestrator.ModeDrain, orchestrator.ModeFreeze:
			a.engine.SetMode(mode)
			writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
		default:
			http.Error(w, "mode must be normal, drain or freeze", http.StatusBadRequest)
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect cross-origin; auth is the org header.
		return true
	},
}

// handleStream upgrades to WebSocket and registers with the event hub.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	orgID, err := OrgFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn, orgID)
	defer a.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump: we ignore client messages, but reading drives pong
	// handling and dead-client detection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
