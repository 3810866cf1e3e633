// Package tenancy resolves per-organization execution profiles: residency
// region, concurrency and rate limits, usage quotas, and the sandbox
// policy overlay applied to that tenant's code.
package tenancy

import (
	"context"
	"sync"

	"github.com/AyushJhin07/Automation-sub003/sandbox"
)

// Limits bound a tenant's scheduler footprint.
type Limits struct {
	MaxConcurrentExecutions int `json:"max_concurrent_executions"`
	MaxExecutionsPerMinute  int `json:"max_executions_per_minute"`
}

// UsageQuota is the plan-level execution allowance for one user.
type UsageQuota struct {
	MonthlyExecutions int64 `json:"monthly_executions"` // 0 = unlimited
	UsedExecutions    int64 `json:"used_executions"`
}

// Exceeded reports whether the quota is spent.
func (u UsageQuota) Exceeded() bool {
	return u.MonthlyExecutions > 0 && u.UsedExecutions >= u.MonthlyExecutions
}

// Profile is the resolved tenant configuration for one organization.
type Profile struct {
	OrganizationID  string                `json:"organization_id"`
	Region          string                `json:"region"`
	Limits          Limits                `json:"limits"`
	ConnectorLimits map[string]int        `json:"connector_limits,omitempty"` // connectorID -> max concurrent
	UserQuotas      map[string]UsageQuota `json:"user_quotas,omitempty"`      // userID -> quota
	SandboxOverlay  sandbox.Policy        `json:"sandbox_overlay"`
}

// ConnectorLimit returns the per-scope cap for a connector, 0 = unlimited.
func (p *Profile) ConnectorLimit(connectorID string) int {
	if p.ConnectorLimits == nil {
		return 0
	}
	return p.ConnectorLimits[connectorID]
}

// QuotaFor returns the usage quota for a user; zero value means unlimited.
func (p *Profile) QuotaFor(userID string) UsageQuota {
	if p.UserQuotas == nil {
		return UsageQuota{}
	}
	return p.UserQuotas[userID]
}

// Resolver looks up tenant profiles. Backed by the tenancy config service
// in production; the static resolver serves tests and single-node mode.
type Resolver interface {
	Resolve(ctx context.Context, organizationID string) (*Profile, error)
}

// DefaultLimits apply when an organization has no explicit profile.
var DefaultLimits = Limits{
	MaxConcurrentExecutions: 10,
	MaxExecutionsPerMinute:  60,
}

// StaticResolver serves profiles from memory.
type StaticResolver struct {
	mu       sync.RWMutex
	region   string
	profiles map[string]*Profile
}

func NewStaticResolver(region string) *StaticResolver {
	return &StaticResolver{region: region, profiles: make(map[string]*Profile)}
}

// Put installs or replaces a profile.
func (r *StaticResolver) Put(p *Profile) {
	r.mu.Lock()
	if p.Region == "" {
		p.Region = r.region
	}
	r.profiles[p.OrganizationID] = p
	r.mu.Unlock()
}

// Resolve returns the stored profile, or a default one for unknown
// organizations so admission never hard-fails on missing config.
func (r *StaticResolver) Resolve(ctx context.Context, organizationID string) (*Profile, error) {
	r.mu.RLock()
	p, ok := r.profiles[organizationID]
	r.mu.RUnlock()
	if ok {
		cp := *p
		return &cp, nil
	}
	return &Profile{
		OrganizationID: organizationID,
		Region:         r.region,
		Limits:         DefaultLimits,
	}, nil
}
