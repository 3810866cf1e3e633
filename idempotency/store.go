// Package idempotency provides the content-addressed result cache used to
// make node retries and deterministic resumes exactly-once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is how long a cached node result stays valid.
const DefaultTTL = 24 * time.Hour

// Record is one cached node result.
type Record struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Key         string    `json:"key"`
	ResultHash  string    `json:"result_hash"`
	ResultData  any       `json:"result_data"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record is stale at the given instant.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store is the idempotency cache contract. Find must never return expired
// records; concurrent Upsert on the same key is last-writer-wins.
type Store interface {
	Find(ctx context.Context, executionID, nodeID, key string, now time.Time) (*Record, error)
	Upsert(ctx context.Context, rec Record) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	CountActive(ctx context.Context, now time.Time) (int, error)
}

// Hash computes the canonical content hash for a node result. Results are
// equal iff their hashes are equal. Unmarshallable values fall back to
// their string rendering so a hash is always produced.
func Hash(v any) string {
	data, err := canonicalJSON(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders v with object keys sorted at every level so that
// semantically equal values always produce identical bytes. nil stays null.
func canonicalJSON(v any) ([]byte, error) {
	// Round-trip through encoding/json to normalize struct values into the
	// map/slice/scalar shape canonicalize understands.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalize(decoded))
}

func canonicalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		// encoding/json already sorts map keys on marshal; recurse so
		// nested containers are normalized too.
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}
