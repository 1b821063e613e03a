package cleanup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

func seedSession(t *testing.T, mem *store.Memory, id string, status session.Status, age time.Duration) {
	t.Helper()
	ctx := tenancy.WithIdentity(context.Background(), tenancy.Identity{TenantID: "acme", Role: tenancy.RoleAdmin})
	s := session.New(id, "acme", "Session "+id, "do the thing", session.TypeExecution, session.PriorityMedium, time.Hour)
	s.Status = status
	s.StatusUpdatedAt = time.Now().UTC().Add(-age)
	require.NoError(t, mem.Create(ctx, s))
}

func TestPurgeRemovesOnlyExpiredTerminalSessions(t *testing.T) {
	mem := store.NewMemory()
	seedSession(t, mem, "old-done", session.StatusCompleted, 100*24*time.Hour)
	seedSession(t, mem, "old-failed", session.StatusFailed, 100*24*time.Hour)
	seedSession(t, mem, "recent-done", session.StatusCompleted, time.Hour)
	seedSession(t, mem, "old-running", session.StatusRunning, 100*24*time.Hour)

	svc := NewService(config.Config{
		SessionRetention: 90 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}, mem, slog.New(slog.DiscardHandler))

	svc.Purge(context.Background())

	ctx := tenancy.WithIdentity(context.Background(), tenancy.Identity{TenantID: "acme", Role: tenancy.RoleAdmin})
	_, err := mem.Get(ctx, "old-done")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.Get(ctx, "old-failed")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = mem.Get(ctx, "recent-done")
	assert.NoError(t, err, "sessions inside retention stay")
	_, err = mem.Get(ctx, "old-running")
	assert.NoError(t, err, "non-terminal sessions are never purged")
}

func TestPurgeIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	seedSession(t, mem, "old-done", session.StatusCompleted, 100*24*time.Hour)

	svc := NewService(config.Config{
		SessionRetention: 90 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}, mem, slog.New(slog.DiscardHandler))

	svc.Purge(context.Background())
	svc.Purge(context.Background())

	count, err := mem.PurgeTerminalBefore(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, count)
}
