package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AyushJhin07/Automation-sub003/workflow"
)

// ErrUnsupported is returned by a ConnectorDispatcher that has no
// integration for the requested operation. When the generic executor is
// enabled it picks these up.
var ErrUnsupported = errors.New("orchestrator: operation not supported by dispatcher")

// WaitSignal is returned (as an error) by a node that needs an external
// callback before the workflow can continue. The orchestrator suspends the
// execution, issues a resume token and parks until the callback or
// WaitUntil, whichever comes first.
type WaitSignal struct {
	Reason    string
	WaitUntil time.Time
}

func (w *WaitSignal) Error() string {
	return "node waiting for external signal: " + w.Reason
}

// SuspendSignal marks this as control flow, not a failure.
func (w *WaitSignal) SuspendSignal() bool { return true }

// NodeHandler executes one built-in node kind (LLM, HTTP, transform).
// Implementations live outside the engine; the engine only dispatches.
type NodeHandler interface {
	Execute(ctx context.Context, node *workflow.Node, input map[string]any) (any, error)
}

// NodeHandlerFunc adapts a function to NodeHandler.
type NodeHandlerFunc func(ctx context.Context, node *workflow.Node, input map[string]any) (any, error)

func (f NodeHandlerFunc) Execute(ctx context.Context, node *workflow.Node, input map[string]any) (any, error) {
	return f(ctx, node, input)
}

// ConnectorDispatcher routes connector nodes to their integrations.
type ConnectorDispatcher interface {
	Dispatch(ctx context.Context, connectorID, operation string, params map[string]any) (any, error)
}

// GenericExecutor is the fallback path for connector operations the
// primary dispatcher cannot serve.
type GenericExecutor interface {
	Execute(ctx context.Context, connectorID, operation string, params map[string]any) (any, error)
}

// ParamResolver substitutes node-output references in raw parameters.
// The expression evaluator is an external collaborator; the identity
// resolver is used when none is wired.
type ParamResolver interface {
	Resolve(ctx context.Context, params map[string]any, outputs map[string]any) (map[string]any, error)
}

type identityResolver struct{}

func (identityResolver) Resolve(ctx context.Context, params map[string]any, outputs map[string]any) (map[string]any, error) {
	return params, nil
}

// HandlerRegistry maps node kinds to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[workflow.NodeKind]NodeHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[workflow.NodeKind]NodeHandler)}
}

func (r *HandlerRegistry) Register(kind workflow.NodeKind, h NodeHandler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

func (r *HandlerRegistry) Lookup(kind workflow.NodeKind) (NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// UnknownKindError: no handler is registered for the node's kind.
type UnknownKindError struct {
	Kind workflow.NodeKind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no handler for node kind %q", e.Kind)
}
func (e *UnknownKindError) FatalError() bool { return true }

// EventSink receives execution events for the streaming surface. The
// websocket hub implements it; NopSink discards.
type EventSink interface {
	PublishEvent(organizationID string, event ExecutionEvent)
}

// ExecutionEvent is one streamed state change.
type ExecutionEvent struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) PublishEvent(string, ExecutionEvent) {}
