package sandbox

import (
	"testing"
	"time"
)

func TestEvaluateHostDenyWins(t *testing.T) {
	p := Policy{
		Allow: NetworkRules{Domains: []string{"api.example.com"}},
		Deny:  NetworkRules{Domains: []string{"api.example.com"}},
	}
	v := p.EvaluateHost("api.example.com")
	if v.Allowed {
		t.Fatal("deny rule should win over allow")
	}
	if v.Reason != "host_denied" {
		t.Fatalf("reason = %q, want host_denied", v.Reason)
	}
}

func TestEvaluateHostWildcard(t *testing.T) {
	p := Policy{Allow: NetworkRules{Domains: []string{"*.example.com"}}}

	if v := p.EvaluateHost("api.example.com"); !v.Allowed {
		t.Fatalf("subdomain should match wildcard, got %q", v.Reason)
	}
	if v := p.EvaluateHost("a.b.example.com"); !v.Allowed {
		t.Fatal("nested subdomain should match wildcard")
	}
	// The bare suffix is not a subdomain.
	if v := p.EvaluateHost("example.com"); v.Allowed {
		t.Fatal("bare domain must not match *.example.com")
	}
	if v := p.EvaluateHost("evilexample.com"); v.Allowed {
		t.Fatal("suffix collision must not match")
	}
}

func TestEvaluateHostCIDR(t *testing.T) {
	p := Policy{
		Allow: NetworkRules{IPRanges: []string{"10.0.0.0/8"}},
		Deny:  NetworkRules{IPRanges: []string{"10.1.0.0/16"}},
	}
	if v := p.EvaluateHost("10.2.3.4"); !v.Allowed {
		t.Fatalf("10.2.3.4 should be allowed, got %q", v.Reason)
	}
	if v := p.EvaluateHost("10.1.3.4"); v.Allowed {
		t.Fatal("10.1.3.4 falls in the denied range")
	}
	if v := p.EvaluateHost("192.168.1.1"); v.Allowed {
		t.Fatal("hosts outside the allowlist must be rejected")
	}
}

func TestEvaluateHostEmptyAllowlistAllowsAll(t *testing.T) {
	p := Policy{Deny: NetworkRules{Domains: []string{"blocked.internal"}}}
	if v := p.EvaluateHost("anything.example.org"); !v.Allowed {
		t.Fatal("no allowlist means everything not denied passes")
	}
	if v := p.EvaluateHost("blocked.internal"); v.Allowed {
		t.Fatal("denied host must still be rejected")
	}
}

func TestEvaluateHostRequiredOutbound(t *testing.T) {
	p := Policy{
		Allow:            NetworkRules{Domains: []string{"api.example.com"}},
		RequiredOutbound: []string{"hooks.connector.dev"},
	}
	if v := p.EvaluateHost("hooks.connector.dev"); !v.Allowed {
		t.Fatal("connector-declared hosts join the allowlist")
	}
	if v := p.EvaluateHost("other.connector.dev"); v.Allowed {
		t.Fatal("unrelated hosts stay rejected")
	}
}

func TestEvaluateHostNormalizesCase(t *testing.T) {
	p := Policy{Allow: NetworkRules{Domains: []string{"API.Example.COM"}}}
	if v := p.EvaluateHost("api.example.com."); !v.Allowed {
		t.Fatal("host matching must ignore case and trailing dot")
	}
}

func TestPolicyMergeOverrideWins(t *testing.T) {
	base := Policy{
		Limits:            ResourceLimits{MaxCPU: time.Second, MemoryBytes: 64 << 20},
		Allow:             NetworkRules{Domains: []string{"a.example.com"}},
		HeartbeatInterval: 500 * time.Millisecond,
		HeartbeatTimeout:  3 * time.Second,
	}
	merged := base.Merge(Policy{
		Limits: ResourceLimits{MemoryBytes: 128 << 20},
		Allow:  NetworkRules{Domains: []string{"b.example.com"}},
	})

	if merged.Limits.MemoryBytes != 128<<20 {
		t.Fatalf("memory override lost: %d", merged.Limits.MemoryBytes)
	}
	if merged.Limits.MaxCPU != time.Second {
		t.Fatal("unset override field must keep the base value")
	}
	if len(merged.Allow.Domains) != 1 || merged.Allow.Domains[0] != "b.example.com" {
		t.Fatalf("allow rules not replaced: %v", merged.Allow.Domains)
	}
	if merged.HeartbeatTimeout != 3*time.Second {
		t.Fatal("heartbeat timeout must carry over from the base")
	}
}

func TestResourceLimitsEnabled(t *testing.T) {
	if (ResourceLimits{}).Enabled() {
		t.Fatal("zero limits must disable enforcement")
	}
	if !(ResourceLimits{MemoryBytes: 1}).Enabled() {
		t.Fatal("any set limit enables enforcement")
	}
}
