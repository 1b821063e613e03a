// Package tenancy carries the ambient request identity (tenant, role,
// request id) through an explicit context value and enforces role and
// quota checks before session mutations.
package tenancy

import (
	"context"
	"errors"
)

// Role is the caller's permission level within a tenant.
type Role string

// Role constants, weakest to strongest.
const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleOperator    Role = "operator"
	RoleAdmin       Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleContributor, RoleOperator, RoleAdmin:
		return true
	}
	return false
}

// rank orders roles for permission comparison.
func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 0
	case RoleContributor:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	}
	return -1
}

// Operation names an action gated by role.
type Operation string

// Gated operations.
const (
	OpRead         Operation = "read"
	OpCreate       Operation = "create"
	OpStart        Operation = "start"
	OpCancel       Operation = "cancel"
	OpDelete       Operation = "delete"
	OpManageAgents Operation = "manage_agents"
)

// minRole maps each operation to the weakest role allowed to perform it.
var minRole = map[Operation]Role{
	OpRead:         RoleViewer,
	OpCreate:       RoleContributor,
	OpStart:        RoleOperator,
	OpCancel:       RoleOperator,
	OpDelete:       RoleAdmin,
	OpManageAgents: RoleAdmin,
}

// Allowed reports whether the role may perform the operation.
func (r Role) Allowed(op Operation) bool {
	min, ok := minRole[op]
	if !ok {
		return false
	}
	return r.rank() >= min.rank()
}

// Identity is the ambient request identity consulted by the store and the
// quota gate.
type Identity struct {
	TenantID  string
	Role      Role
	RequestID string
}

// ErrNoTenant is returned when an operation requires a tenant context and
// none is present.
var ErrNoTenant = errors.New("no tenant in context")

type ctxKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// TenantID returns the tenant id from the context or ErrNoTenant.
func TenantID(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok || id.TenantID == "" {
		return "", ErrNoTenant
	}
	return id.TenantID, nil
}
