package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-ai/conductor/pkg/models"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/resilience"
	"github.com/conductor-ai/conductor/pkg/session"
)

// ExternalAdapter assigns tasks to webhook-registered agents. The only
// outbound call is the TaskAssignment POST; completion arrives as a
// TaskResult callback on the public ingestion endpoint, matched back to
// the waiting execution by task id.
type ExternalAdapter struct {
	http    *http.Client
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	logger  *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan models.TaskResult
}

// NewExternalAdapter creates the webhook adapter.
func NewExternalAdapter(timeout time.Duration, logger *slog.Logger) *ExternalAdapter {
	logger = logger.With("component", "dispatch.external")
	return &ExternalAdapter{
		http:    &http.Client{Timeout: timeout},
		breaker: resilience.NewBreaker("external-agents", resilience.DefaultBreakerConfig(), logger),
		retry:   resilience.DefaultRetryConfig(),
		logger:  logger,
		waiters: make(map[string]chan models.TaskResult),
	}
}

// Kind implements Dispatcher.
func (a *ExternalAdapter) Kind() registry.Kind {
	return registry.KindExternal
}

// Execute implements Dispatcher for external agents.
func (a *ExternalAdapter) Execute(ctx context.Context, sess *session.Session, agent *registry.Agent, cb Callbacks) (*ExecutionResult, error) {
	taskID := uuid.NewString()
	resultCh := a.addWaiter(taskID)
	defer a.removeWaiter(taskID)

	assignment := models.TaskAssignment{
		TaskID: taskID,
		Context: map[string]any{
			"session_id": sess.ID,
			"type":       string(sess.Type),
			"title":      sess.Title,
			"model":      sess.Model,
		},
		Input:        sess.InitialPrompt,
		Requirements: []string{string(sess.Type)},
	}

	if err := a.postAssignment(ctx, agent, assignment, &sess.Metrics); err != nil {
		return nil, fmt.Errorf("assigning task to agent %s: %w", agent.ID, err)
	}
	a.logger.Info("Task assigned",
		"session_id", sess.ID, "agent_id", agent.ID, "task_id", taskID)
	cb.progress("task_assigned", 0.2)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(sess.MaxDuration):
		return nil, fmt.Errorf("task %s: %w", taskID, ErrDispatchTimeout)
	case result := <-resultCh:
		cb.progress("result_received", 1.0)
		if result.Status == models.TaskResultFailed {
			return nil, &RemoteFailureError{RemoteID: taskID, Message: result.Error}
		}
		return &ExecutionResult{
			RemoteID:  taskID,
			Result:    result.Status,
			Artifacts: result.Artifacts,
			Metrics:   result.Metrics,
		}, nil
	}
}

// Deliver routes an ingested TaskResult to the waiting execution.
// Returns false when no execution is waiting, meaning the task already
// timed out or the result is a duplicate.
func (a *ExternalAdapter) Deliver(result models.TaskResult) bool {
	a.mu.Lock()
	ch, ok := a.waiters[result.TaskID]
	if ok {
		delete(a.waiters, result.TaskID)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Warn("No waiter for task result", "task_id", result.TaskID)
		return false
	}
	ch <- result
	return true
}

func (a *ExternalAdapter) addWaiter(taskID string) chan models.TaskResult {
	ch := make(chan models.TaskResult, 1)
	a.mu.Lock()
	a.waiters[taskID] = ch
	a.mu.Unlock()
	return ch
}

func (a *ExternalAdapter) removeWaiter(taskID string) {
	a.mu.Lock()
	delete(a.waiters, taskID)
	a.mu.Unlock()
}

func (a *ExternalAdapter) postAssignment(ctx context.Context, agent *registry.Agent, assignment models.TaskAssignment, m *session.Metrics) error {
	return a.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, a.retry, func(ctx context.Context) (err error) {
			m.APICalls++
			defer func() {
				if err != nil {
					m.APIErrors++
				}
			}()

			encoded, err := json.Marshal(assignment)
			if err != nil {
				return fmt.Errorf("encoding assignment: %w", err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.EndpointURL, bytes.NewReader(encoded))
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Agent-Token", agent.AuthToken)

			resp, err := a.http.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return &resilience.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
			}
			return nil
		})
	})
}
