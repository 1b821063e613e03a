package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/dispatch"
	"github.com/conductor-ai/conductor/pkg/events"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/services"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

type fixture struct {
	server *Server
	mem    *store.Memory
	reg    *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	mem := store.NewMemory()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	gate := tenancy.NewGate(
		tenancy.NewStaticDirectory(tenancy.Tenant{ID: "acme", Name: "Acme", Quota: 5}),
		mem,
	)
	sessions := services.NewSessionService(
		config.Config{DefaultMaxDuration: time.Hour}, mem, gate, bus, nil, logger)
	reg := registry.NewRegistry(bus, logger)
	external := dispatch.NewExternalAdapter(5*time.Second, logger)

	server := NewServer(sessions, reg, external, bus, nil, logger)
	return &fixture{server: server, mem: mem, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Tenant-ID", "acme")
		req.Header.Set("X-Role", role)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func createBody() map[string]any {
	return map[string]any{
		"type":           "execution",
		"priority":       "high",
		"title":          "Port ingestion job to the new queue",
		"initial_prompt": "Move the nightly ingestion job off cron onto the work queue.",
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestCreateAndGetSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "contributor", createBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+created.ID, "viewer", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionValidationError(t *testing.T) {
	f := newFixture(t)
	body := createBody()
	body["title"] = "test session"

	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "contributor", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errBody := decodeError(t, rec)
	assert.Equal(t, CodeValidationFailed, errBody.Code)
	assert.NotEmpty(t, errBody.RequestID)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/sessions/missing", "viewer", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeSessionNotFound, decodeError(t, rec).Code)
}

func TestMissingTenantRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "", createBody())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodePermissionDenied, decodeError(t, rec).Code)
}

func TestRoleEnforcement(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "viewer", createBody())
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodePermissionDenied, decodeError(t, rec).Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions", "contributor", createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/start", "operator", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/cancel", "operator", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancelling again is an invalid transition.
	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/cancel", "operator", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidTransition, decodeError(t, rec).Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/sessions/"+created.ID, "admin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListSessionsFilters(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		body := createBody()
		body["title"] = "Batch refactor " + strings.Repeat("x", i+1)
		rec := f.do(t, http.MethodPost, "/api/v1/sessions", "contributor", body)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/sessions?status=pending&limit=2", "viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page store.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.TotalCount)
	assert.Len(t, page.Sessions, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions?status=sleeping", "viewer", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalAgentRegistration(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{"name": "worker", "capabilities": []string{"execution"}}
	rec := f.do(t, http.MethodPost, "/api/v1/agents", "operator", body)
	require.Equal(t, http.StatusForbidden, rec.Code, "agent management needs admin")

	rec = f.do(t, http.MethodPost, "/api/v1/agents", "admin", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var agent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))

	rec = f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/heartbeat", "viewer",
		map[string]any{"status": "active", "current_load": 0.4})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/agents", "viewer", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExternalAgentProtocol(t *testing.T) {
	f := newFixture(t)

	// Wrong protocol version is refused.
	rec := f.do(t, http.MethodPost, "/api/v1/agents/external/register", "", map[string]any{
		"protocol_version": "0.9",
		"name":             "ext-agent",
		"endpoint_url":     "https://agent.example.com/tasks",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/agents/external/register", "", map[string]any{
		"protocol_version": "1.0",
		"name":             "ext-agent",
		"version":          "2.1.0",
		"capabilities":     []string{"review"},
		"endpoint_url":     "https://agent.example.com/tasks",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var reg struct {
		AgentID                  string `json:"agent_id"`
		AuthToken                string `json:"auth_token"`
		HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.NotEmpty(t, reg.AuthToken)
	assert.Equal(t, 30, reg.HeartbeatIntervalSeconds)

	// Heartbeat without the token is rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/external/"+reg.AgentID+"/heartbeat",
		bytes.NewReader([]byte(`{"status":"active","current_load":0.1}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	// With the token it succeeds.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/external/"+reg.AgentID+"/heartbeat",
		bytes.NewReader([]byte(`{"status":"active","current_load":0.1}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Token", reg.AuthToken)
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	// A task result with no waiting dispatch is acknowledged but not
	// accepted.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/external/"+reg.AgentID+"/task-result",
		bytes.NewReader([]byte(`{"task_id":"t-1","status":"completed","artifacts":[]}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Token", reg.AuthToken)
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp["accepted"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
