// Package workflow defines the graph model the engine executes: workflows,
// nodes, the closed set of node kinds, and topological ordering.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// NodeKind is the closed set of node variants the engine can dispatch.
type NodeKind string

const (
	KindLLM       NodeKind = "llm"
	KindHTTP      NodeKind = "http"
	KindTransform NodeKind = "transform"
	KindDelay     NodeKind = "delay"
	KindSandboxed NodeKind = "sandboxed"
	KindConnector NodeKind = "connector"
	KindUnknown   NodeKind = "unknown"
)

// Runtime carries tenant-supplied code for sandboxed nodes.
type Runtime struct {
	Code       string `json:"code"`
	EntryPoint string `json:"entry_point,omitempty"`
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID          string         `json:"id"`
	Label       string         `json:"label,omitempty"`
	Kind        NodeKind       `json:"kind"`
	ConnectorID string         `json:"connector_id,omitempty"`
	Operation   string         `json:"operation,omitempty"` // connector/LLM op name
	Params      map[string]any `json:"params,omitempty"`
	Runtime     *Runtime       `json:"runtime,omitempty"`
	TimeoutMS   int64          `json:"timeout_ms,omitempty"` // 0 = runtime default
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Workflow is the directed-acyclic graph a single execution walks.
type Workflow struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name,omitempty"`
	Nodes          []Node `json:"nodes"`
	Edges          []Edge `json:"edges"`
}

var (
	ErrEmptyWorkflow = errors.New("workflow has no nodes")
	ErrCycle         = errors.New("workflow graph contains a cycle")
)

// Validate checks the structural invariants required before a workflow is
// accepted at the queue boundary: non-empty, unique node ids, edges that
// reference known nodes, and acyclicity.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return ErrEmptyWorkflow
	}
	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return errors.New("node id cannot be empty")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range w.Edges {
		if !seen[e.From] {
			return fmt.Errorf("edge references unknown node: %s", e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("edge references unknown node: %s", e.To)
		}
	}
	_, err := w.TopologicalOrder()
	return err
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// TopologicalOrder returns node ids in dependency order. Ties are broken by
// node id so the order is deterministic across processes, which the resume
// path depends on.
func (w *Workflow) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(w.Nodes))
	next := make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range w.Edges {
		next[e.From] = append(next[e.From], e.To)
		indegree[e.To]++
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(w.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, succ := range next[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				unlocked = append(unlocked, succ)
			}
		}
		if len(unlocked) > 0 {
			sort.Strings(unlocked)
			ready = mergeSorted(ready, unlocked)
		}
	}

	if len(order) != len(w.Nodes) {
		return nil, ErrCycle
	}
	return order, nil
}

// ConnectorIDs returns the distinct connector ids referenced by the graph,
// sorted for determinism.
func (w *Workflow) ConnectorIDs() []string {
	set := make(map[string]bool)
	for _, n := range w.Nodes {
		if n.ConnectorID != "" {
			set[n.ConnectorID] = true
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DelayDuration extracts the delay for a delay node from its params.
// Accepts "delay_ms" (number) or "delay" (seconds). Missing or negative
// values collapse to zero, which means the node neither waits nor suspends.
func (n *Node) DelayDuration() time.Duration {
	if n.Params == nil {
		return 0
	}
	if v, ok := n.Params["delay_ms"]; ok {
		if ms, ok := toFloat(v); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := n.Params["delay"]; ok {
		if s, ok := toFloat(v); ok && s > 0 {
			return time.Duration(s * float64(time.Second))
		}
	}
	return 0
}

// IsSandboxed reports whether the node carries tenant code.
func (n *Node) IsSandboxed() bool {
	return n.Runtime != nil && n.Runtime.Code != ""
}

// ResolveKind classifies the node, falling back through metadata the same
// way the dispatcher does: explicit kind, then runtime code, then connector.
func (n *Node) ResolveKind() NodeKind {
	switch n.Kind {
	case KindLLM, KindHTTP, KindTransform, KindDelay, KindConnector, KindSandboxed:
		return n.Kind
	}
	if n.IsSandboxed() {
		return KindSandboxed
	}
	if n.ConnectorID != "" {
		return KindConnector
	}
	return KindUnknown
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
