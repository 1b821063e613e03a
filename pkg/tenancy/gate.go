package tenancy

import (
	"context"
	"fmt"
)

// Tenant is an isolation boundary owning sessions, agents, and quotas.
type Tenant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Quota int    `json:"quota"` // hard ceiling on active sessions
}

// ActiveCounter counts non-terminal sessions for a tenant. Implemented by
// the session store.
type ActiveCounter interface {
	CountActive(ctx context.Context, tenantID string) (int, error)
}

// TenantDirectory resolves tenant records. Implemented by configuration or
// the store.
type TenantDirectory interface {
	Tenant(ctx context.Context, id string) (Tenant, bool)
}

// PermissionError reports a role that may not perform an operation.
type PermissionError struct {
	Role Role
	Op   Operation
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %q may not perform %q", e.Role, e.Op)
}

// QuotaExceededError reports a tenant at its active-session ceiling.
type QuotaExceededError struct {
	TenantID string
	Quota    int
	Active   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %q at active-session quota (%d/%d)", e.TenantID, e.Active, e.Quota)
}

// UnknownTenantError reports an operation against a tenant the directory
// does not know.
type UnknownTenantError struct {
	TenantID string
}

func (e *UnknownTenantError) Error() string {
	return fmt.Sprintf("unknown tenant %q", e.TenantID)
}

// Gate enforces tenant presence, role permission, and the active-session
// quota before create/start operations.
type Gate struct {
	tenants TenantDirectory
	counter ActiveCounter
}

// NewGate creates a quota gate.
func NewGate(tenants TenantDirectory, counter ActiveCounter) *Gate {
	return &Gate{tenants: tenants, counter: counter}
}

// Authorize checks tenant presence and role permission for the operation.
// It returns the resolved identity for convenience.
func (g *Gate) Authorize(ctx context.Context, op Operation) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok || id.TenantID == "" {
		return Identity{}, ErrNoTenant
	}
	if _, known := g.tenants.Tenant(ctx, id.TenantID); !known {
		return Identity{}, &UnknownTenantError{TenantID: id.TenantID}
	}
	if !id.Role.Allowed(op) {
		return Identity{}, &PermissionError{Role: id.Role, Op: op}
	}
	return id, nil
}

// AuthorizeWithQuota runs Authorize and additionally enforces the tenant's
// active-session ceiling. Used for create and start.
func (g *Gate) AuthorizeWithQuota(ctx context.Context, op Operation) (Identity, error) {
	id, err := g.Authorize(ctx, op)
	if err != nil {
		return Identity{}, err
	}
	tenant, _ := g.tenants.Tenant(ctx, id.TenantID)
	active, err := g.counter.CountActive(ctx, id.TenantID)
	if err != nil {
		return Identity{}, fmt.Errorf("counting active sessions: %w", err)
	}
	if active >= tenant.Quota {
		return Identity{}, &QuotaExceededError{TenantID: id.TenantID, Quota: tenant.Quota, Active: active}
	}
	return id, nil
}

// StaticDirectory is a TenantDirectory backed by a fixed map, loaded from
// configuration.
type StaticDirectory struct {
	tenants map[string]Tenant
}

// NewStaticDirectory builds a directory from tenant records.
func NewStaticDirectory(tenants ...Tenant) *StaticDirectory {
	m := make(map[string]Tenant, len(tenants))
	for _, t := range tenants {
		m[t.ID] = t
	}
	return &StaticDirectory{tenants: m}
}

// Tenant implements TenantDirectory.
func (d *StaticDirectory) Tenant(_ context.Context, id string) (Tenant, bool) {
	t, ok := d.tenants[id]
	return t, ok
}
