package tenancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	active map[string]int
}

func (f *fakeCounter) CountActive(_ context.Context, tenantID string) (int, error) {
	return f.active[tenantID], nil
}

func testGate(active map[string]int) *Gate {
	dir := NewStaticDirectory(
		Tenant{ID: "t1", Name: "Tenant One", Quota: 10},
		Tenant{ID: "t2", Name: "Tenant Two", Quota: 1},
	)
	return NewGate(dir, &fakeCounter{active: active})
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role    Role
		op      Operation
		allowed bool
	}{
		{RoleViewer, OpRead, true},
		{RoleViewer, OpCreate, false},
		{RoleContributor, OpCreate, true},
		{RoleContributor, OpStart, false},
		{RoleOperator, OpStart, true},
		{RoleOperator, OpCancel, true},
		{RoleOperator, OpDelete, false},
		{RoleAdmin, OpDelete, true},
		{RoleAdmin, OpManageAgents, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.role.Allowed(tt.op), "%s %s", tt.role, tt.op)
	}
}

func TestAuthorize(t *testing.T) {
	gate := testGate(map[string]int{})

	t.Run("requires tenant context", func(t *testing.T) {
		_, err := gate.Authorize(context.Background(), OpRead)
		require.ErrorIs(t, err, ErrNoTenant)
	})

	t.Run("rejects unknown tenant", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{TenantID: "ghost", Role: RoleAdmin})
		_, err := gate.Authorize(ctx, OpRead)
		var ute *UnknownTenantError
		require.ErrorAs(t, err, &ute)
	})

	t.Run("rejects insufficient role", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{TenantID: "t1", Role: RoleViewer})
		_, err := gate.Authorize(ctx, OpCreate)
		var pe *PermissionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, OpCreate, pe.Op)
	})

	t.Run("returns identity on success", func(t *testing.T) {
		ctx := WithIdentity(context.Background(), Identity{TenantID: "t1", Role: RoleOperator, RequestID: "req-1"})
		id, err := gate.Authorize(ctx, OpStart)
		require.NoError(t, err)
		assert.Equal(t, "t1", id.TenantID)
		assert.Equal(t, "req-1", id.RequestID)
	})
}

func TestQuota(t *testing.T) {
	t.Run("under quota passes", func(t *testing.T) {
		gate := testGate(map[string]int{"t1": 9})
		ctx := WithIdentity(context.Background(), Identity{TenantID: "t1", Role: RoleContributor})
		_, err := gate.AuthorizeWithQuota(ctx, OpCreate)
		require.NoError(t, err)
	})

	t.Run("at quota is rejected", func(t *testing.T) {
		gate := testGate(map[string]int{"t2": 1})
		ctx := WithIdentity(context.Background(), Identity{TenantID: "t2", Role: RoleContributor})
		_, err := gate.AuthorizeWithQuota(ctx, OpCreate)
		var qe *QuotaExceededError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, 1, qe.Quota)
		assert.Equal(t, 1, qe.Active)
	})
}
