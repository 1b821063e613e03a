package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

// Memory is the in-memory store used by tests and by single-process
// development setups. It implements SessionStore, CheckpointStore, and
// SupervisorStore with the same tenant-scoping rules as Postgres.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	checkpoints map[string][]DurableCheckpoint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*session.Session),
		checkpoints: make(map[string][]DurableCheckpoint),
	}
}

// clone deep-copies a session through JSON so callers never alias stored
// state. The event buffer is intentionally not carried (it is not
// persisted).
func clone(s *session.Session) *session.Session {
	data, _ := json.Marshal(s)
	var out session.Session
	_ = json.Unmarshal(data, &out)
	return &out
}

// Create implements SessionStore.
func (m *Memory) Create(ctx context.Context, s *session.Session) error {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return ErrAlreadyExists
	}
	s.TenantID = tenantID
	if s.Version == 0 {
		s.Version = 1
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

// Get implements SessionStore.
func (m *Memory) Get(ctx context.Context, id string) (*session.Session, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Update implements SessionStore with optimistic concurrency.
func (m *Memory) Update(ctx context.Context, s *session.Session, expectedVersion int64) error {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if !ok || stored.TenantID != tenantID {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrConflict
	}
	s.TenantID = stored.TenantID
	s.Version = expectedVersion + 1
	m.sessions[s.ID] = clone(s)
	return nil
}

// List implements SessionStore.
func (m *Memory) List(ctx context.Context, f Filter) (*Page, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*session.Session
	for _, s := range m.sessions {
		if s.TenantID != tenantID || !matches(s, f) {
			continue
		}
		matched = append(matched, s)
	}

	// Stable ordering: created_at desc, id.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := &Page{TotalCount: total, Limit: limit, Offset: offset}
	for _, s := range matched[offset:end] {
		page.Sessions = append(page.Sessions, clone(s))
	}
	return page, nil
}

func matches(s *session.Session, f Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Priority != "" && s.Priority != f.Priority {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(s.Title), needle) &&
			!strings.Contains(strings.ToLower(s.Description), needle) {
			return false
		}
	}
	if f.CreatedAfter != nil && s.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !s.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// Delete implements SessionStore. Only terminal sessions may be deleted.
func (m *Memory) Delete(ctx context.Context, id string) error {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	if !s.Status.Terminal() {
		return ErrInvalidState
	}
	delete(m.sessions, id)
	delete(m.checkpoints, id)
	return nil
}

// CountActive implements SessionStore.
func (m *Memory) CountActive(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.TenantID == tenantID && !s.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// WithTx implements SessionStore. The in-memory store has no real
// transactions; fn runs directly and partial effects are not rolled back.
// Good enough for the seams tests exercise.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// SaveCheckpoint implements CheckpointStore.
func (m *Memory) SaveCheckpoint(_ context.Context, cp DurableCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.SessionID] = append(m.checkpoints[cp.SessionID], cp)
	return nil
}

// LatestDurableCheckpoint implements CheckpointStore.
func (m *Memory) LatestDurableCheckpoint(_ context.Context, sessionID string) (DurableCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[sessionID]
	if len(cps) == 0 {
		return DurableCheckpoint{}, ErrNotFound
	}
	return cps[len(cps)-1], nil
}

// ClaimNext implements SupervisorStore. FIFO by creation time within the
// queued status; the claimed session is stamped with the pod id.
func (m *Memory) ClaimNext(_ context.Context, podID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *session.Session
	for _, s := range m.sessions {
		if s.Status != session.StatusQueued || s.PodID != "" {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	oldest.PodID = podID
	return clone(oldest), nil
}

// FindStalled implements SupervisorStore.
func (m *Memory) FindStalled(_ context.Context, olderThan time.Time) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*session.Session
	for _, s := range m.sessions {
		if s.Status == session.StatusRunning && s.StatusUpdatedAt.Before(olderThan) {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

// ResetPodSessions implements SupervisorStore.
func (m *Memory) ResetPodSessions(_ context.Context, podID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.PodID != podID {
			continue
		}
		switch s.Status {
		case session.StatusQueued:
			s.PodID = ""
			count++
		case session.StatusRunning:
			// The pod died mid-supervision; put the session back in the
			// queue for a fresh attempt.
			s.Status = session.StatusQueued
			s.StatusUpdatedAt = time.Now().UTC()
			s.PodID = ""
			count++
		}
	}
	return count, nil
}

// PurgeTerminalBefore implements SupervisorStore.
func (m *Memory) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, s := range m.sessions {
		if s.Status.Terminal() && s.StatusUpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.checkpoints, id)
			count++
		}
	}
	return count, nil
}
