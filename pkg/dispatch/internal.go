package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/resilience"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/version"
)

// AgentAPIConfig holds settings for the internal agent HTTP API,
// loaded from AGENT_API_* environment variables.
type AgentAPIConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int

	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration

	StatusCacheTTL time.Duration
	DiffCacheTTL   time.Duration
}

// LoadAgentAPIConfigFromEnv loads agent API configuration from
// environment variables.
func LoadAgentAPIConfigFromEnv() (AgentAPIConfig, error) {
	base := os.Getenv("AGENT_API_BASE_URL")
	if base == "" {
		return AgentAPIConfig{}, fmt.Errorf("AGENT_API_BASE_URL is required")
	}
	timeout, _ := strconv.Atoi(getEnvOrDefault("AGENT_API_TIMEOUT_SECONDS", "30"))
	rpm, _ := strconv.Atoi(getEnvOrDefault("AGENT_API_REQUESTS_PER_MINUTE", "300"))
	failures, _ := strconv.Atoi(getEnvOrDefault("AGENT_API_CIRCUIT_FAILURE_THRESHOLD", "5"))
	recovery, _ := strconv.Atoi(getEnvOrDefault("AGENT_API_CIRCUIT_RECOVERY_SECONDS", "30"))
	statusTTL, _ := strconv.Atoi(getEnvOrDefault("AGENT_API_STATUS_CACHE_TTL_SECONDS", "1"))
	diffTTL, _ := strconv.Atoi(getEnvOrDefault("AGENT_API_DIFF_CACHE_TTL_SECONDS", "30"))

	return AgentAPIConfig{
		BaseURL:                 base,
		APIKey:                  os.Getenv("AGENT_API_KEY"),
		Timeout:                 time.Duration(timeout) * time.Second,
		RequestsPerMinute:       rpm,
		CircuitFailureThreshold: failures,
		CircuitRecoveryTimeout:  time.Duration(recovery) * time.Second,
		StatusCacheTTL:          time.Duration(statusTTL) * time.Second,
		DiffCacheTTL:            time.Duration(diffTTL) * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Remote poll statuses that end the polling loop.
const (
	remoteStatusIdle      = "idle"
	remoteStatusCompleted = "completed"
	remoteStatusFailed    = "failed"
)

const (
	pollInitialInterval = 2 * time.Second
	pollGrowthFactor    = 1.5
	pollMaxInterval     = 30 * time.Second
)

// InternalAdapter drives sessions on agents reached through the agent
// HTTP API: create a remote session, send the prompt, poll status to a
// terminal state, fetch the diff.
type InternalAdapter struct {
	cfg    AgentAPIConfig
	http   *http.Client
	caller *resilience.Caller
	cache  redis.Cmdable
	logger *slog.Logger

	// Overridden in tests to keep polling fast.
	pollInitial time.Duration
	pollMax     time.Duration
}

// NewInternalAdapter wires the adapter with its resilience stack. The
// cache client may be nil to disable GET caching.
func NewInternalAdapter(cfg AgentAPIConfig, cache redis.Cmdable, logger *slog.Logger) *InternalAdapter {
	logger = logger.With("component", "dispatch.internal")
	caller := &resilience.Caller{
		Breaker: resilience.NewBreaker("agent-api", resilience.BreakerConfig{
			FailureThreshold:          cfg.CircuitFailureThreshold,
			RecoveryTimeout:           cfg.CircuitRecoveryTimeout,
			HalfOpenRequiredSuccesses: 2,
		}, logger),
		Retry: resilience.DefaultRetryConfig(),
	}
	if cfg.RequestsPerMinute > 0 && cache != nil {
		caller.Limiter = resilience.NewRateLimiter(cache, cfg.RequestsPerMinute, time.Minute, logger)
	}
	return &InternalAdapter{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout},
		caller:      caller,
		cache:       cache,
		logger:      logger,
		pollInitial: pollInitialInterval,
		pollMax:     pollMaxInterval,
	}
}

// Kind implements Dispatcher.
func (a *InternalAdapter) Kind() registry.Kind {
	return registry.KindInternal
}

// Execute implements Dispatcher for internal agents.
func (a *InternalAdapter) Execute(ctx context.Context, sess *session.Session, agent *registry.Agent, cb Callbacks) (*ExecutionResult, error) {
	logger := a.logger.With("session_id", sess.ID, "agent_id", agent.ID)

	metrics := &sess.Metrics

	remoteID, err := a.createRemoteSession(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("creating remote session: %w", err)
	}
	logger.Info("Remote session created", "remote_id", remoteID)
	cb.progress("remote_session_created", 0.1)

	// The remote session outlives a local cancellation only until the
	// abort below; deletion is the agent API's own janitor's job.
	if err := a.sendPrompt(ctx, remoteID, sess.InitialPrompt, metrics); err != nil {
		a.abort(remoteID, metrics)
		return nil, fmt.Errorf("sending prompt: %w", err)
	}
	cb.progress("prompt_sent", 0.2)

	status, err := a.pollUntilDone(ctx, remoteID, sess, cb)
	if err != nil {
		a.abort(remoteID, metrics)
		return nil, err
	}
	if status == remoteStatusFailed {
		return nil, &RemoteFailureError{RemoteID: remoteID, Message: "agent reported failure"}
	}
	cb.progress("execution_finished", 0.9)

	diff, err := a.getDiff(ctx, remoteID, metrics)
	if err != nil {
		logger.Warn("Failed to fetch diff", "error", err)
	}
	cb.progress("diff_fetched", 1.0)

	return &ExecutionResult{
		RemoteID: remoteID,
		Result:   status,
		Diff:     diff,
	}, nil
}

// pollUntilDone polls remote status with exponential backoff until the
// remote reaches a terminal state or the session budget is spent. New
// checkpoint payloads carried on the status response are forwarded to
// the checkpoint callback once each.
func (a *InternalAdapter) pollUntilDone(ctx context.Context, remoteID string, sess *session.Session, cb Callbacks) (string, error) {
	deadline := time.Now().Add(sess.MaxDuration)
	interval := a.pollInitial
	var lastCheckpoint string

	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("session %s: %w", sess.ID, ErrDispatchTimeout)
		}

		st, err := a.getStatus(ctx, remoteID, &sess.Metrics)
		if err != nil {
			return "", fmt.Errorf("polling status: %w", err)
		}
		cb.log("debug", "remote status "+st.Status)

		if len(st.Checkpoint) > 0 && string(st.Checkpoint) != lastCheckpoint {
			lastCheckpoint = string(st.Checkpoint)
			cb.checkpoint(st.Checkpoint)
		}

		switch st.Status {
		case remoteStatusIdle, remoteStatusCompleted, remoteStatusFailed:
			return st.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * pollGrowthFactor)
		if interval > a.pollMax {
			interval = a.pollMax
		}
	}
}

func (a *InternalAdapter) createRemoteSession(ctx context.Context, sess *session.Session) (string, error) {
	body := map[string]any{
		"title":        sess.Title,
		"model":        sess.Model,
		"agent_config": sess.AgentConfig,
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/sessions", body, &resp, &sess.Metrics); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("agent API returned no session id")
	}
	return resp.SessionID, nil
}

func (a *InternalAdapter) sendPrompt(ctx context.Context, remoteID, prompt string, m *session.Metrics) error {
	body := map[string]any{"content": prompt, "async": true}
	return a.doJSON(ctx, http.MethodPost, "/sessions/"+remoteID+"/messages", body, nil, m)
}

// remoteStatus is the agent API status payload. Checkpoint carries the
// agent's latest checkpoint blob when it pushed one.
type remoteStatus struct {
	Status     string          `json:"status"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

func (a *InternalAdapter) getStatus(ctx context.Context, remoteID string, m *session.Metrics) (remoteStatus, error) {
	var resp remoteStatus
	if err := a.getJSON(ctx, "/sessions/"+remoteID+"/status", a.cfg.StatusCacheTTL, &resp, m); err != nil {
		return remoteStatus{}, err
	}
	return resp, nil
}

func (a *InternalAdapter) getDiff(ctx context.Context, remoteID string, m *session.Metrics) (string, error) {
	var resp struct {
		Diff string `json:"diff"`
	}
	if err := a.getJSON(ctx, "/sessions/"+remoteID+"/diff", a.cfg.DiffCacheTTL, &resp, m); err != nil {
		return "", err
	}
	return resp.Diff, nil
}

// abort tells the agent API to stop a remote session. Runs on a fresh
// context because the caller's is usually already cancelled.
func (a *InternalAdapter) abort(remoteID string, m *session.Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.doJSON(ctx, http.MethodPost, "/sessions/"+remoteID+"/abort", nil, nil, m); err != nil {
		a.logger.Warn("Failed to abort remote session", "remote_id", remoteID, "error", err)
	}
}

// getJSON serves GETs from the shared cache when a TTL is configured,
// keyed by the full URL. Cache hits cost no API call.
func (a *InternalAdapter) getJSON(ctx context.Context, path string, ttl time.Duration, out any, m *session.Metrics) error {
	cacheKey := "agentapi:get:" + a.cfg.BaseURL + path
	if a.cache != nil && ttl > 0 {
		if cached, err := a.cache.Get(ctx, cacheKey).Result(); err == nil {
			return json.Unmarshal([]byte(cached), out)
		}
	}

	var raw json.RawMessage
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &raw, m); err != nil {
		return err
	}
	if a.cache != nil && ttl > 0 {
		if err := a.cache.Set(ctx, cacheKey, string(raw), ttl).Err(); err != nil {
			a.logger.Warn("Failed to cache response", "path", path, "error", err)
		}
	}
	return json.Unmarshal(raw, out)
}

// doJSON runs one request through the resilience stack, counting every
// attempt on the session's api_calls metric and failed attempts on
// api_errors.
func (a *InternalAdapter) doJSON(ctx context.Context, method, path string, body, out any, m *session.Metrics) error {
	return a.caller.Do(ctx, "agent-api", func(ctx context.Context) (err error) {
		if m != nil {
			m.APICalls++
			defer func() {
				if err != nil {
					m.APIErrors++
				}
			}()
		}
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", version.Full())
		if a.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		}

		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &resilience.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(payload)}
		}
		if out != nil && len(payload) > 0 {
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
		}
		return nil
	})
}
