package orchestrator

import (
	"github.com/AyushJhin07/Automation-sub003/idempotency"
)

// DeterministicKey derives the idempotency key for one node of one
// execution. The inputs are all stable across retries and resumes, so the
// same (seed, execution, node) always yields the same key. Callers must
// still read resume-state keys first; this function only covers nodes
// with no prior attempt.
func DeterministicKey(seed, executionID, nodeID string) string {
	h := idempotency.Hash(map[string]any{
		"seed":         seed,
		"execution_id": executionID,
		"node_id":      nodeID,
	})
	return "idem_" + h[:32]
}

// RequestHash hashes the resolved parameters of a node call so re-enqueues
// can verify they reproduce the original request byte for byte.
func RequestHash(nodeID string, params map[string]any) string {
	return idempotency.Hash(map[string]any{
		"node_id": nodeID,
		"params":  params,
	})
}

// DedupeSeed extracts the caller-supplied dedupe token from trigger data,
// if present.
func DedupeSeed(triggerData map[string]any) string {
	if triggerData == nil {
		return ""
	}
	if tok, ok := triggerData["dedupeToken"].(string); ok {
		return tok
	}
	if tok, ok := triggerData["dedupe_token"].(string); ok {
		return tok
	}
	return ""
}
