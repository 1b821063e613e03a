package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ai/conductor/pkg/dispatch"
	"github.com/conductor-ai/conductor/pkg/session"
)

func TestPoolDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t)
	f.adapter.result = &dispatch.ExecutionResult{Result: "completed"}

	for _, id := range []string{"q1", "q2", "q3"} {
		sess := session.New(id, "acme", "Fix "+id, "prompt", session.TypeExecution, session.PriorityMedium, time.Minute)
		require.NoError(t, f.mem.Create(tenantCtx("acme"), sess))
		require.NoError(t, sess.Transition(session.StatusQueued))
		require.NoError(t, f.mem.Update(tenantCtx("acme"), sess, sess.Version))
	}

	cfg := f.cfg
	cfg.MaxConcurrentSupervisors = 2
	cfg.PollInterval = 10 * time.Millisecond
	pool := NewPool(cfg, f.mem, f.sup, testDiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range []string{"q1", "q2", "q3"} {
			got, err := f.mem.Get(tenantCtx("acme"), id)
			if err != nil || got.Status != session.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, int32(3), f.adapter.calls.Load())
}

func TestPoolRequeuesAbandonedSessionsOnStart(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t)
	f.adapter.result = &dispatch.ExecutionResult{Result: "completed"}

	// A session this pod was running when it last died.
	sess := session.New("abandoned", "acme", "Migrate schema", "prompt", session.TypeExecution, session.PriorityHigh, time.Minute)
	require.NoError(t, f.mem.Create(tenantCtx("acme"), sess))
	require.NoError(t, sess.Start())
	sess.PodID = "pod-1"
	require.NoError(t, f.mem.Update(tenantCtx("acme"), sess, sess.Version))

	cfg := f.cfg
	cfg.MaxConcurrentSupervisors = 1
	cfg.PollInterval = 10 * time.Millisecond
	pool := NewPool(cfg, f.mem, f.sup, testDiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := f.mem.Get(tenantCtx("acme"), "abandoned")
		return err == nil && got.Status == session.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "abandoned session should be requeued and finished")
}

func TestOrphanSweeper(t *testing.T) {
	f := newFixture(t)

	// A running session whose status last moved beyond the stall
	// threshold and whose lock nobody holds.
	stalled := session.New("stalled", "acme", "Long refactor", "prompt", session.TypeExecution, session.PriorityLow, time.Minute)
	require.NoError(t, f.mem.Create(tenantCtx("acme"), stalled))
	require.NoError(t, stalled.Start())
	stalled.StatusUpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.mem.Update(tenantCtx("acme"), stalled, stalled.Version))

	// A running session still under active supervision.
	live := session.New("live", "acme", "Active work", "prompt", session.TypeExecution, session.PriorityLow, time.Minute)
	require.NoError(t, f.mem.Create(tenantCtx("acme"), live))
	require.NoError(t, live.Start())
	live.StatusUpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.mem.Update(tenantCtx("acme"), live, live.Version))
	_, err := f.locks.Acquire(context.Background(), "session:live", "pod-2", time.Minute)
	require.NoError(t, err)

	sweeper := NewOrphanSweeper(f.cfg, f.mem, f.sup, f.locks, testDiscardLogger())
	n := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, n)

	got := f.reload(t, "stalled")
	assert.Equal(t, session.StatusOrphaned, got.Status)
	assert.Equal(t, session.FailureInternal, got.ErrorKind)

	gotLive, err := f.mem.Get(tenantCtx("acme"), "live")
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, gotLive.Status, "locked sessions are left alone")

	// A second sweep finds nothing new.
	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}

func TestOrphanSweeperRequeuesCheckpointedSession(t *testing.T) {
	f := newFixture(t)

	// Stalled with checkpointed progress and retries left: worth a
	// fresh attempt instead of orphaning.
	stalled := session.New("stalled", "acme", "Long refactor", "prompt", session.TypeExecution, session.PriorityLow, time.Minute)
	require.NoError(t, f.mem.Create(tenantCtx("acme"), stalled))
	require.NoError(t, stalled.Start())
	stalled.PodID = "pod-1"
	stalled.AddCheckpoint(json.RawMessage(`{"files_touched":2}`))
	stalled.StatusUpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.mem.Update(tenantCtx("acme"), stalled, stalled.Version))

	sweeper := NewOrphanSweeper(f.cfg, f.mem, f.sup, f.locks, testDiscardLogger())
	require.Equal(t, 1, sweeper.Sweep(context.Background()))

	got := f.reload(t, "stalled")
	assert.Equal(t, session.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Metrics.RetryCount)
	assert.Empty(t, got.PodID)

	// Claimable again by any pool worker.
	claimed, err := f.mem.ClaimNext(context.Background(), "pod-2")
	require.NoError(t, err)
	assert.Equal(t, "stalled", claimed.ID)
}

func TestOrphanSweeperOrphansExhaustedRetries(t *testing.T) {
	f := newFixture(t)

	stalled := session.New("spent", "acme", "Long refactor", "prompt", session.TypeExecution, session.PriorityLow, time.Minute)
	require.NoError(t, f.mem.Create(tenantCtx("acme"), stalled))
	require.NoError(t, stalled.Start())
	stalled.AddCheckpoint(json.RawMessage(`{"files_touched":2}`))
	stalled.Metrics.RetryCount = session.MaxRetries
	stalled.StatusUpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.mem.Update(tenantCtx("acme"), stalled, stalled.Version))

	sweeper := NewOrphanSweeper(f.cfg, f.mem, f.sup, f.locks, testDiscardLogger())
	require.Equal(t, 1, sweeper.Sweep(context.Background()))

	got := f.reload(t, "spent")
	assert.Equal(t, session.StatusOrphaned, got.Status)
	assert.Equal(t, session.FailureInternal, got.ErrorKind)
}
