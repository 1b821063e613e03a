package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/session"
)

// fakeAgentAPI simulates the internal agent HTTP API. Status responses
// are served from the queue in order, repeating the last entry; a
// non-empty checkpoints entry at the same index rides along on the
// status payload.
type fakeAgentAPI struct {
	t           *testing.T
	statuses    []string
	checkpoints []string
	statusIx    atomic.Int32

	created atomic.Int32
	prompts atomic.Int32
	aborts  atomic.Int32
	diff    string
}

func (f *fakeAgentAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		f.created.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "remote-1"})
	})
	mux.HandleFunc("POST /sessions/remote-1/messages", func(w http.ResponseWriter, r *http.Request) {
		f.prompts.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /sessions/remote-1/status", func(w http.ResponseWriter, r *http.Request) {
		ix := int(f.statusIx.Add(1)) - 1
		if ix >= len(f.statuses) {
			ix = len(f.statuses) - 1
		}
		payload := map[string]any{"status": f.statuses[ix]}
		if ix < len(f.checkpoints) && f.checkpoints[ix] != "" {
			payload["checkpoint"] = json.RawMessage(f.checkpoints[ix])
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("GET /sessions/remote-1/diff", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"diff": f.diff})
	})
	mux.HandleFunc("POST /sessions/remote-1/abort", func(w http.ResponseWriter, r *http.Request) {
		f.aborts.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newInternalFixture(t *testing.T, api *fakeAgentAPI) (*InternalAdapter, *session.Session) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	adapter := NewInternalAdapter(AgentAPIConfig{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, nil, slog.New(slog.DiscardHandler))
	adapter.pollInitial = time.Millisecond
	adapter.pollMax = 5 * time.Millisecond

	sess := session.New("s1", "acme", "Fix the parser", "Fix it", session.TypeExecution, session.PriorityHigh, 5*time.Second)
	return adapter, sess
}

func internalAgent() *registry.Agent {
	return &registry.Agent{ID: "agent-1", Kind: registry.KindInternal}
}

func TestInternalExecuteHappyPath(t *testing.T) {
	api := &fakeAgentAPI{statuses: []string{"running", "running", "completed"}, diff: "--- a/main.go\n+++ b/main.go"}
	adapter, sess := newInternalFixture(t, api)

	var stages []string
	result, err := adapter.Execute(context.Background(), sess, internalAgent(), Callbacks{
		OnProgress: func(stage string, percent float64) { stages = append(stages, stage) },
	})
	require.NoError(t, err)

	assert.Equal(t, "remote-1", result.RemoteID)
	assert.Equal(t, "completed", result.Result)
	assert.Contains(t, result.Diff, "main.go")
	assert.Equal(t, int32(1), api.created.Load())
	assert.Equal(t, int32(1), api.prompts.Load())
	assert.Equal(t, int32(0), api.aborts.Load())
	assert.Equal(t, []string{"remote_session_created", "prompt_sent", "execution_finished", "diff_fetched"}, stages)

	// create + prompt + three status polls + diff, none failing.
	assert.Equal(t, 6, sess.Metrics.APICalls)
	assert.Equal(t, 0, sess.Metrics.APIErrors)
}

func TestInternalExecuteForwardsCheckpoints(t *testing.T) {
	api := &fakeAgentAPI{
		statuses:    []string{"running", "running", "running", "completed"},
		checkpoints: []string{`{"step":1}`, `{"step":1}`, `{"step":2}`, ""},
	}
	adapter, sess := newInternalFixture(t, api)

	var got []string
	_, err := adapter.Execute(context.Background(), sess, internalAgent(), Callbacks{
		OnCheckpoint: func(data json.RawMessage) { got = append(got, string(data)) },
	})
	require.NoError(t, err)

	// The duplicate blob at index 1 is forwarded once.
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"step":1}`, got[0])
	assert.JSONEq(t, `{"step":2}`, got[1])
}

func TestInternalExecuteIdleCountsAsDone(t *testing.T) {
	api := &fakeAgentAPI{statuses: []string{"idle"}}
	adapter, sess := newInternalFixture(t, api)

	result, err := adapter.Execute(context.Background(), sess, internalAgent(), Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "idle", result.Result)
}

func TestInternalExecuteRemoteFailure(t *testing.T) {
	api := &fakeAgentAPI{statuses: []string{"running", "failed"}}
	adapter, sess := newInternalFixture(t, api)

	_, err := adapter.Execute(context.Background(), sess, internalAgent(), Callbacks{})
	require.Error(t, err)

	var remoteErr *RemoteFailureError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "remote-1", remoteErr.RemoteID)
}

func TestInternalExecuteTimeout(t *testing.T) {
	api := &fakeAgentAPI{statuses: []string{"running"}}
	adapter, sess := newInternalFixture(t, api)
	sess.MaxDuration = 30 * time.Millisecond

	_, err := adapter.Execute(context.Background(), sess, internalAgent(), Callbacks{})
	assert.ErrorIs(t, err, ErrDispatchTimeout)
	assert.Eventually(t, func() bool { return api.aborts.Load() == 1 },
		time.Second, 10*time.Millisecond, "timed-out remote session should be aborted")
}

func TestInternalExecuteAbortsOnCancel(t *testing.T) {
	api := &fakeAgentAPI{statuses: []string{"running"}}
	adapter, sess := newInternalFixture(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := adapter.Execute(ctx, sess, internalAgent(), Callbacks{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return api.aborts.Load() == 1 },
		time.Second, 10*time.Millisecond, "cancelled session should abort the remote")
}

func TestInternalExecuteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	adapter := NewInternalAdapter(AgentAPIConfig{
		BaseURL: srv.URL,
		Timeout: time.Second,
	}, nil, slog.New(slog.DiscardHandler))
	adapter.caller.Retry.BaseDelay = time.Millisecond
	adapter.caller.Retry.MaxDelay = 2 * time.Millisecond

	sess := session.New("s1", "acme", "Fix the parser", "Fix it", session.TypeExecution, session.PriorityHigh, time.Second)
	_, err := adapter.Execute(context.Background(), sess, internalAgent(), Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating remote session")

	// Every failed attempt counts on both metrics.
	assert.Greater(t, sess.Metrics.APICalls, 0)
	assert.Equal(t, sess.Metrics.APICalls, sess.Metrics.APIErrors)
}
