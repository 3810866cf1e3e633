package tenancy

import (
	"context"
	"testing"
)

func TestResolveUnknownOrgGetsDefaults(t *testing.T) {
	r := NewStaticResolver("eu")
	p, err := r.Resolve(context.Background(), "org-new")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Region != "eu" {
		t.Fatalf("region = %q, want eu", p.Region)
	}
	if p.Limits != DefaultLimits {
		t.Fatalf("limits = %+v, want defaults", p.Limits)
	}
}

func TestPutFillsRegionAndResolveCopies(t *testing.T) {
	r := NewStaticResolver("us")
	r.Put(&Profile{
		OrganizationID: "org-1",
		Limits:         Limits{MaxConcurrentExecutions: 2, MaxExecutionsPerMinute: 10},
	})

	p, err := r.Resolve(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Region != "us" {
		t.Fatalf("region = %q, want resolver default", p.Region)
	}

	// Mutating the returned profile must not leak into the store.
	p.Limits.MaxConcurrentExecutions = 99
	p2, _ := r.Resolve(context.Background(), "org-1")
	if p2.Limits.MaxConcurrentExecutions != 2 {
		t.Fatalf("stored profile mutated: %+v", p2.Limits)
	}
}

func TestUsageQuotaExceeded(t *testing.T) {
	if (UsageQuota{}).Exceeded() {
		t.Fatal("zero quota means unlimited")
	}
	if (UsageQuota{MonthlyExecutions: 10, UsedExecutions: 9}).Exceeded() {
		t.Fatal("under quota must not be exceeded")
	}
	if !(UsageQuota{MonthlyExecutions: 10, UsedExecutions: 10}).Exceeded() {
		t.Fatal("at quota must be exceeded")
	}
}

func TestProfileLookupsDefaultToUnlimited(t *testing.T) {
	p := &Profile{OrganizationID: "org-1"}
	if got := p.ConnectorLimit("slack"); got != 0 {
		t.Fatalf("connector limit = %d, want 0", got)
	}
	if q := p.QuotaFor("user-1"); q.Exceeded() {
		t.Fatal("missing quota must be unlimited")
	}

	p.ConnectorLimits = map[string]int{"slack": 3}
	p.UserQuotas = map[string]UsageQuota{"user-1": {MonthlyExecutions: 1, UsedExecutions: 1}}
	if got := p.ConnectorLimit("slack"); got != 3 {
		t.Fatalf("connector limit = %d, want 3", got)
	}
	if !p.QuotaFor("user-1").Exceeded() {
		t.Fatal("configured quota must apply")
	}
}
