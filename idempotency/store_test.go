package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestHashCanonicalAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": []any{1, 2}}}
	b := map[string]any{"a": map[string]any{"x": []any{1, 2}, "y": 1}, "b": 2}
	if Hash(a) != Hash(b) {
		t.Fatal("semantically equal maps must hash identically")
	}
	if Hash(a) == Hash(map[string]any{"b": 3}) {
		t.Fatal("different values must not collide")
	}
}

func TestHashStructAndMapAgree(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	h1 := Hash(payload{Name: "n", Count: 2})
	h2 := Hash(map[string]any{"count": 2, "name": "n"})
	if h1 != h2 {
		t.Fatalf("struct hash %s != map hash %s", h1, h2)
	}
}

func TestHashUnmarshallableFallsBack(t *testing.T) {
	if Hash(make(chan int)) == "" {
		t.Fatal("hash must always be produced")
	}
}

func TestMemoryStoreFindMissesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	rec := Record{
		ExecutionID: "exec-1",
		NodeID:      "node-a",
		Key:         "idem_1",
		ResultData:  "ok",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Find(ctx, "exec-1", "node-a", "idem_1", now)
	if err != nil || got == nil {
		t.Fatalf("find: %v %v", got, err)
	}
	if got.ResultData != "ok" {
		t.Fatalf("result = %v", got.ResultData)
	}

	// Past expiry the record must be invisible.
	if got, _ := s.Find(ctx, "exec-1", "node-a", "idem_1", now.Add(2*time.Hour)); got != nil {
		t.Fatal("expired record returned")
	}
}

func TestMemoryStoreUpsertDefaultsTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Upsert(ctx, Record{ExecutionID: "e", NodeID: "n", Key: "k"})

	got, _ := s.Find(ctx, "e", "n", "k", time.Now())
	if got == nil {
		t.Fatal("record missing")
	}
	if got.ExpiresAt.Sub(got.CreatedAt) != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", got.ExpiresAt.Sub(got.CreatedAt), DefaultTTL)
	}
}

func TestMemoryStoreLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	exp := now.Add(time.Hour)
	s.Upsert(ctx, Record{ExecutionID: "e", NodeID: "n", Key: "k", ResultData: "first", CreatedAt: now, ExpiresAt: exp})
	s.Upsert(ctx, Record{ExecutionID: "e", NodeID: "n", Key: "k", ResultData: "second", CreatedAt: now, ExpiresAt: exp})

	got, _ := s.Find(ctx, "e", "n", "k", now)
	if got == nil || got.ResultData != "second" {
		t.Fatalf("got %+v, want second write", got)
	}
}

func TestMemoryStoreDeleteExpiredAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	s.Upsert(ctx, Record{ExecutionID: "e", NodeID: "n1", Key: "k1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	s.Upsert(ctx, Record{ExecutionID: "e", NodeID: "n2", Key: "k2", CreatedAt: now, ExpiresAt: now.Add(time.Hour)})

	if n, _ := s.CountActive(ctx, now); n != 2 {
		t.Fatalf("active = %d, want 2", n)
	}

	deleted, err := s.DeleteExpired(ctx, now.Add(30*time.Minute))
	if err != nil || deleted != 1 {
		t.Fatalf("deleted = %d, %v; want 1", deleted, err)
	}
	if n, _ := s.CountActive(ctx, now); n != 1 {
		t.Fatalf("remaining = %d, want 1", n)
	}
}
