package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const killGrace = time.Second

// childMessage is one newline-delimited JSON frame from the runner.
type childMessage struct {
	Type    string          `json:"type"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Host    string          `json:"host,omitempty"`
	Code    string          `json:"code,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// netVerdict is the parent's reply to a net_check frame.
type netVerdict struct {
	Type    string `json:"type"` // always "net_verdict"
	Host    string `json:"host"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// processPayload is what the runner receives on stdin.
type processPayload struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Code        string         `json:"code"`
	EntryPoint  string         `json:"entry_point"`
	Params      map[string]any `json:"params,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Policy      policyPayload  `json:"policy"`
}

type policyPayload struct {
	HeartbeatIntervalMS int64    `json:"heartbeat_interval_ms"`
	DependencyAllowlist []string `json:"dependency_allowlist,omitempty"`
}

// ProcessExecutor spawns the runner binary as a child process. The payload
// goes in as JSON on stdin; the child speaks newline-delimited JSON frames
// (heartbeat, log, net_check, result, error) on fd 3 and reads net_verdict
// replies on fd 4. Child stdout and stderr are discarded.
type ProcessExecutor struct {
	RunnerBin string
}

func NewProcessExecutor(runnerBin string) *ProcessExecutor {
	return &ProcessExecutor{RunnerBin: runnerBin}
}

func (e *ProcessExecutor) Name() string { return "process" }

func (e *ProcessExecutor) Run(ctx context.Context, req Request, s *Session) (any, error) {
	msgR, msgW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: message pipe: %w", err)
	}
	verdictR, verdictW, err := os.Pipe()
	if err != nil {
		msgR.Close()
		msgW.Close()
		return nil, fmt.Errorf("sandbox: verdict pipe: %w", err)
	}

	cmd := exec.Command(e.RunnerBin)
	cmd.ExtraFiles = []*os.File{msgW, verdictR} // fd 3 = messages out, fd 4 = verdicts in
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(msgR, msgW, verdictR, verdictW)
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(msgR, msgW, verdictR, verdictW)
		return nil, fmt.Errorf("sandbox: start runner: %w", err)
	}
	// Parent copies of the child ends must close so EOF propagates.
	msgW.Close()
	verdictR.Close()

	enf := newEnforcer(s.policy.Limits)
	if err := enf.attach(cmd.Process.Pid, req.ExecutionID); err != nil {
		// Enforcement is best effort outside cgroup mode; polling still runs.
		s.Log("warn", "resource limit attach failed: "+err.Error())
	}
	defer enf.cleanup()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	breach := enf.watch(watchCtx, cmd.Process.Pid)

	payload := processPayload{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Code:        req.Code,
		EntryPoint:  req.EntryPoint,
		Params:      req.Params,
		Context:     req.Context,
		Policy: policyPayload{
			HeartbeatIntervalMS: s.policy.HeartbeatInterval.Milliseconds(),
			DependencyAllowlist: s.policy.DependencyAllowlist,
		},
	}
	go func() {
		enc := json.NewEncoder(stdin)
		enc.Encode(payload)
		stdin.Close()
	}()

	var (
		resultMu  sync.Mutex
		value     any
		gotResult bool
		childErr  error
	)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer verdictW.Close()
		scanner := bufio.NewScanner(msgR)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		enc := json.NewEncoder(verdictW)
		for scanner.Scan() {
			var msg childMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "heartbeat":
				s.Heartbeat()
			case "log":
				s.Log(msg.Level, msg.Message)
			case "net_check":
				v := s.CheckHost(msg.Host)
				enc.Encode(netVerdict{Type: "net_verdict", Host: v.Host, Allowed: v.Allowed, Reason: v.Reason})
			case "result":
				var v any
				json.Unmarshal(msg.Value, &v)
				resultMu.Lock()
				value, gotResult = v, true
				resultMu.Unlock()
				s.Heartbeat()
			case "error":
				resultMu.Lock()
				childErr = mapChildError(msg.Code, msg.Message)
				resultMu.Unlock()
				s.Heartbeat()
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var killErr error
	select {
	case err := <-waitDone:
		cancelWatch()
		<-readerDone
		msgR.Close()
		resultMu.Lock()
		defer resultMu.Unlock()
		select {
		case b := <-breach:
			return nil, b
		default:
		}
		if childErr != nil {
			return nil, childErr
		}
		if gotResult {
			return value, nil
		}
		if err != nil {
			return nil, &PolicyViolationError{Reason: "runner exited without result: " + err.Error()}
		}
		return nil, &PolicyViolationError{Reason: "runner exited without result"}

	case b := <-breach:
		killErr = b
	case <-ctx.Done():
		killErr = ctx.Err()
	}

	// Hard kill and wait, bounded by the kill grace.
	cmd.Process.Kill()
	select {
	case <-waitDone:
	case <-time.After(killGrace):
	}
	cancelWatch()
	msgR.Close()
	<-readerDone

	if b, ok := killErr.(*ResourceLimitError); ok {
		return nil, b
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return nil, cause
	}
	return nil, killErr
}

// mapChildError turns a child-reported error frame into a typed error the
// retry manager can classify.
func mapChildError(code, message string) error {
	switch code {
	case CodeNetworkPolicy:
		return &NetworkDeniedError{Host: message, Reason: "host_denied"}
	case CodePolicyViolation:
		return &PolicyViolationError{Reason: message}
	default:
		if message == "" {
			message = "unknown runner error"
		}
		return errors.New(message)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
