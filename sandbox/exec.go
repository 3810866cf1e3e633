package sandbox

import (
	"context"
	"sync"
	"time"
)

// Request describes one unit of tenant code to run.
type Request struct {
	ExecutionID    string         `json:"execution_id"`
	NodeID         string         `json:"node_id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	ConnectionID   string         `json:"connection_id,omitempty"`

	Code       string         `json:"code"`
	EntryPoint string         `json:"entry_point"`
	Params     map[string]any `json:"params,omitempty"`
	Context    map[string]any `json:"context,omitempty"`

	Timeout time.Duration `json:"-"`
	Policy  Policy        `json:"-"` // per-call overlay, merged onto the supervisor base
	Secrets []string      `json:"-"` // explicit secret values for redaction
}

// LogLine is one log statement emitted by tenant code.
type LogLine struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Result of a successful sandbox execution. Value and Logs are already
// redacted when returned from the supervisor.
type Result struct {
	Value    any           `json:"value"`
	Logs     []LogLine     `json:"logs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor runs the request and reports child events through the session.
// Implementations must kill their child promptly when ctx is done.
type Executor interface {
	Run(ctx context.Context, req Request, s *Session) (any, error)
	Name() string
}

// Session collects heartbeats, logs and network verdicts for one run.
// It is the bridge between an executor and the supervising watchdog.
type Session struct {
	policy  Policy
	auditor Auditor
	meta    Request

	mu       sync.Mutex
	logs     []LogLine
	lastBeat time.Time
	denied   *NetworkDeniedError
}

func newSession(req Request, effective Policy, auditor Auditor) *Session {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	return &Session{policy: effective, auditor: auditor, meta: req, lastBeat: time.Now()}
}

// Heartbeat records liveness from the child.
func (s *Session) Heartbeat() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

// Log appends a child log line. Heartbeats piggyback on any message.
func (s *Session) Log(level, message string) {
	s.mu.Lock()
	s.logs = append(s.logs, LogLine{Level: level, Message: message, Timestamp: time.Now()})
	s.lastBeat = time.Now()
	s.mu.Unlock()
}

// CheckHost evaluates an outbound host against the policy, emits an audit
// record and remembers the first denial for error mapping.
func (s *Session) CheckHost(host string) Verdict {
	v := s.policy.EvaluateHost(host)
	s.auditor.RecordNetworkDecision(AuditRecord{
		OrganizationID: s.meta.OrganizationID,
		ExecutionID:    s.meta.ExecutionID,
		NodeID:         s.meta.NodeID,
		ConnectionID:   s.meta.ConnectionID,
		UserID:         s.meta.UserID,
		AttemptedHost:  v.Host,
		Allowed:        v.Allowed,
		Reason:         v.Reason,
		Timestamp:      time.Now(),
	})
	if !v.Allowed {
		s.mu.Lock()
		if s.denied == nil {
			s.denied = &NetworkDeniedError{Host: v.Host, Reason: v.Reason}
		}
		s.mu.Unlock()
	}
	return v
}

// Denied returns the first network denial seen this run, if any.
func (s *Session) Denied() *NetworkDeniedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denied
}

// Logs returns a copy of the collected log lines.
func (s *Session) Logs() []LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogLine, len(s.logs))
	copy(out, s.logs)
	return out
}
