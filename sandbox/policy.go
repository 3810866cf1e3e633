package sandbox

import (
	"net"
	"strings"
	"time"
)

// ResourceLimits bound the child's CPU and memory consumption.
// All-zero limits disable resource enforcement entirely.
type ResourceLimits struct {
	MaxCPU      time.Duration `json:"max_cpu,omitempty"`       // cumulative user+system CPU
	CPUQuota    time.Duration `json:"cpu_quota,omitempty"`     // cgroup cpu.max quota per 100ms period
	MemoryBytes int64         `json:"memory_bytes,omitempty"`  // RSS ceiling
	CgroupRoot  string        `json:"cgroup_root,omitempty"`   // cgroup v2 parent; empty = prlimit/polling only
}

// Enabled reports whether any limit is set.
func (l ResourceLimits) Enabled() bool {
	return l.MaxCPU > 0 || l.CPUQuota > 0 || l.MemoryBytes > 0
}

// NetworkRules is one side of the egress policy.
type NetworkRules struct {
	Domains  []string `json:"domains,omitempty"`   // literal or "*.suffix" wildcard
	IPRanges []string `json:"ip_ranges,omitempty"` // CIDR, v4 or v6
}

// Empty reports whether no rules are configured.
func (r NetworkRules) Empty() bool {
	return len(r.Domains) == 0 && len(r.IPRanges) == 0
}

// Policy is the effective sandbox policy for one execution.
type Policy struct {
	Limits              ResourceLimits `json:"limits"`
	Allow               NetworkRules   `json:"allow"`
	Deny                NetworkRules   `json:"deny"`
	RequiredOutbound    []string       `json:"required_outbound,omitempty"` // connector-declared hosts, merged into allow
	HeartbeatInterval   time.Duration  `json:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration  `json:"heartbeat_timeout"`
	DependencyAllowlist []string       `json:"dependency_allowlist,omitempty"`
	SecretScopes        []string       `json:"secret_scopes,omitempty"`
	PolicyVersion       string         `json:"policy_version,omitempty"`
}

// Merge overlays per-call overrides onto the base tenancy policy. Any set
// override wins; unset fields keep the base value.
func (p Policy) Merge(override Policy) Policy {
	out := p
	if override.Limits.MaxCPU > 0 {
		out.Limits.MaxCPU = override.Limits.MaxCPU
	}
	if override.Limits.CPUQuota > 0 {
		out.Limits.CPUQuota = override.Limits.CPUQuota
	}
	if override.Limits.MemoryBytes > 0 {
		out.Limits.MemoryBytes = override.Limits.MemoryBytes
	}
	if override.Limits.CgroupRoot != "" {
		out.Limits.CgroupRoot = override.Limits.CgroupRoot
	}
	if !override.Allow.Empty() {
		out.Allow = override.Allow
	}
	if !override.Deny.Empty() {
		out.Deny = override.Deny
	}
	if len(override.RequiredOutbound) > 0 {
		out.RequiredOutbound = append(out.RequiredOutbound, override.RequiredOutbound...)
	}
	if override.HeartbeatInterval > 0 {
		out.HeartbeatInterval = override.HeartbeatInterval
	}
	if override.HeartbeatTimeout > 0 {
		out.HeartbeatTimeout = override.HeartbeatTimeout
	}
	if len(override.DependencyAllowlist) > 0 {
		out.DependencyAllowlist = override.DependencyAllowlist
	}
	if len(override.SecretScopes) > 0 {
		out.SecretScopes = override.SecretScopes
	}
	if override.PolicyVersion != "" {
		out.PolicyVersion = override.PolicyVersion
	}
	return out
}

// Verdict is the outcome of one egress policy evaluation.
type Verdict struct {
	Allowed bool
	Reason  string // host_denied, host_not_allowlisted, allowed
	Host    string
}

// EvaluateHost applies the policy to an outbound host (hostname or IP
// literal): deny rules first, then — if any allow rules exist — the host
// must match one of them.
func (p Policy) EvaluateHost(host string) Verdict {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	ip := net.ParseIP(host)

	if matchRules(p.Deny, host, ip) {
		return Verdict{Allowed: false, Reason: "host_denied", Host: host}
	}

	allow := p.Allow
	effective := NetworkRules{
		Domains:  append(append([]string{}, allow.Domains...), p.RequiredOutbound...),
		IPRanges: allow.IPRanges,
	}
	if len(effective.Domains) == 0 && len(effective.IPRanges) == 0 {
		return Verdict{Allowed: true, Reason: "allowed", Host: host}
	}
	if matchRules(effective, host, ip) {
		return Verdict{Allowed: true, Reason: "allowed", Host: host}
	}
	return Verdict{Allowed: false, Reason: "host_not_allowlisted", Host: host}
}

func matchRules(rules NetworkRules, host string, ip net.IP) bool {
	for _, d := range rules.Domains {
		if matchDomain(strings.ToLower(d), host) {
			return true
		}
	}
	if ip != nil {
		for _, cidr := range rules.IPRanges {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				continue
			}
			if ipNet.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// matchDomain handles literal hosts and "*.suffix" wildcards. The wildcard
// matches subdomains only, not the bare suffix.
func matchDomain(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return false
}

// AuditRecord captures one allow/deny decision for the connection service.
type AuditRecord struct {
	OrganizationID string    `json:"organization_id"`
	ExecutionID    string    `json:"execution_id"`
	NodeID         string    `json:"node_id"`
	ConnectionID   string    `json:"connection_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	AttemptedHost  string    `json:"attempted_host"`
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// Auditor receives network policy decisions. Implemented by the connection
// service; the engine only emits.
type Auditor interface {
	RecordNetworkDecision(rec AuditRecord)
}

// NopAuditor discards audit records.
type NopAuditor struct{}

func (NopAuditor) RecordNetworkDecision(AuditRecord) {}
