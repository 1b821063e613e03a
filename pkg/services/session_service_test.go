package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/events"
	"github.com/conductor-ai/conductor/pkg/models"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

type fakeCanceller struct {
	signalled []string
	ok        bool
}

func (f *fakeCanceller) Cancel(id string) bool {
	f.signalled = append(f.signalled, id)
	return f.ok
}

type fixture struct {
	svc       *SessionService
	mem       *store.Memory
	canceller *fakeCanceller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	gate := tenancy.NewGate(
		tenancy.NewStaticDirectory(
			tenancy.Tenant{ID: "acme", Name: "Acme", Quota: 2},
		),
		mem,
	)
	canceller := &fakeCanceller{}
	cfg := config.Config{DefaultMaxDuration: time.Hour}
	svc := NewSessionService(cfg, mem, gate, bus, canceller, slog.New(slog.DiscardHandler))
	return &fixture{svc: svc, mem: mem, canceller: canceller}
}

func ctxAs(role tenancy.Role) context.Context {
	return tenancy.WithIdentity(context.Background(), tenancy.Identity{
		TenantID: "acme",
		Role:     role,
	})
}

func createRequest() models.CreateSessionRequest {
	return models.CreateSessionRequest{
		Type:          "execution",
		Priority:      "high",
		Title:         "Migrate user service to pgx",
		InitialPrompt: "Replace database/sql usage in the user service with pgx.",
	}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "acme", sess.TenantID)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, time.Hour, sess.MaxDuration, "default max_duration applies")

	got, err := f.mem.Get(ctxAs(tenancy.RoleViewer), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	req := createRequest()
	req.Title = "untitled"

	_, err := f.svc.Create(ctxAs(tenancy.RoleContributor), req)
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "title", vErr.Field)
}

func TestCreateEnforcesRole(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(ctxAs(tenancy.RoleViewer), createRequest())
	var pErr *tenancy.PermissionError
	assert.ErrorAs(t, err, &pErr)
}

func TestCreateEnforcesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs(tenancy.RoleContributor)

	_, err := f.svc.Create(ctx, createRequest())
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, createRequest())
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, createRequest())
	var qErr *tenancy.QuotaExceededError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, 2, qErr.Quota)
}

func TestCreateChildLinksParent(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs(tenancy.RoleContributor)

	parent, err := f.svc.Create(ctx, createRequest())
	require.NoError(t, err)

	req := createRequest()
	req.ParentID = parent.ID
	child, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)
	gotParent, err := f.mem.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Contains(t, gotParent.ChildIDs, child.ID)
}

func TestStartEnqueues(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)

	started, err := f.svc.Start(ctxAs(tenancy.RoleOperator), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusQueued, started.Status)

	// Contributors may create but not start.
	_, err = f.svc.Start(ctxAs(tenancy.RoleContributor), sess.ID)
	var pErr *tenancy.PermissionError
	assert.ErrorAs(t, err, &pErr)
}

func TestCancelPreRunning(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctxAs(tenancy.RoleOperator), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, cancelled.Status)
	assert.Empty(t, f.canceller.signalled, "no supervisor to signal pre-running")
}

func TestCancelRunningSignalsSupervisor(t *testing.T) {
	f := newFixture(t)
	f.canceller.ok = true
	ctx := ctxAs(tenancy.RoleOperator)

	sess, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)
	loaded, err := f.mem.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Start())
	require.NoError(t, f.mem.Update(ctx, loaded, loaded.Version))

	_, err = f.svc.Cancel(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, f.canceller.signalled)
}

func TestCancelRunningWithoutLocalSupervisor(t *testing.T) {
	f := newFixture(t)
	f.canceller.ok = false
	ctx := ctxAs(tenancy.RoleOperator)

	sess, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)
	loaded, err := f.mem.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Start())
	require.NoError(t, f.mem.Update(ctx, loaded, loaded.Version))

	_, err = f.svc.Cancel(ctx, sess.ID)
	var itErr *session.InvalidTransitionError
	assert.ErrorAs(t, err, &itErr)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	opCtx := ctxAs(tenancy.RoleOperator)

	sess, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)
	loaded, err := f.mem.Get(opCtx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Start())
	require.NoError(t, f.mem.Update(opCtx, loaded, loaded.Version))

	paused, err := f.svc.Pause(opCtx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, paused.Status)

	resumed, err := f.svc.Resume(opCtx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, resumed.Status)
}

func TestDeleteRequiresAdminAndTerminalState(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)

	err = f.svc.Delete(ctxAs(tenancy.RoleOperator), sess.ID)
	var pErr *tenancy.PermissionError
	require.ErrorAs(t, err, &pErr)

	err = f.svc.Delete(ctxAs(tenancy.RoleAdmin), sess.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState, "pending sessions cannot be deleted")

	_, err = f.svc.Cancel(ctxAs(tenancy.RoleOperator), sess.ID)
	require.NoError(t, err)
	assert.NoError(t, f.svc.Delete(ctxAs(tenancy.RoleAdmin), sess.ID))
}

func TestListScopesToTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(ctxAs(tenancy.RoleContributor), createRequest())
	require.NoError(t, err)

	page, err := f.svc.List(ctxAs(tenancy.RoleViewer), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)

	_, err = f.svc.List(context.Background(), store.Filter{})
	assert.ErrorIs(t, err, tenancy.ErrNoTenant)
}
