// Package services holds the business operations behind the REST
// surface: creation with validation and quota, lifecycle commands, and
// listing. Handlers stay thin; everything stateful happens here.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/events"
	"github.com/conductor-ai/conductor/pkg/models"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

// Canceller signals an in-flight supervision attempt. Implemented by
// the supervisor.
type Canceller interface {
	Cancel(sessionID string) bool
}

// SessionService owns session CRUD and lifecycle commands.
type SessionService struct {
	cfg       config.Config
	sessions  store.SessionStore
	gate      *tenancy.Gate
	bus       *events.Bus
	canceller Canceller
	logger    *slog.Logger
}

// NewSessionService wires the service.
func NewSessionService(cfg config.Config, sessions store.SessionStore, gate *tenancy.Gate, bus *events.Bus, canceller Canceller, logger *slog.Logger) *SessionService {
	return &SessionService{
		cfg:       cfg,
		sessions:  sessions,
		gate:      gate,
		bus:       bus,
		canceller: canceller,
		logger:    logger.With("component", "session_service"),
	}
}

// Create validates the request, enforces the quota, and persists a new
// pending session.
func (s *SessionService) Create(ctx context.Context, req models.CreateSessionRequest) (*session.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := s.gate.AuthorizeWithQuota(ctx, tenancy.OpCreate)
	if err != nil {
		return nil, err
	}

	maxDuration := time.Duration(req.MaxDuration) * time.Second
	if maxDuration == 0 {
		maxDuration = s.cfg.DefaultMaxDuration
	}

	sess := session.New(uuid.NewString(), id.TenantID, req.Title, req.InitialPrompt,
		session.Type(req.Type), session.Priority(req.Priority), maxDuration)
	sess.Description = req.Description
	sess.AgentConfig = req.AgentConfig
	sess.Model = req.Model
	sess.CPULimit = req.CPULimit
	sess.MemoryLimitMB = req.MemoryLimitMB

	if req.ParentID != "" {
		parent, err := s.sessions.Get(ctx, req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("resolving parent session: %w", err)
		}
		sess.ParentID = &parent.ID
		parent.ChildIDs = append(parent.ChildIDs, sess.ID)
		if err := s.sessions.WithTx(ctx, func(ctx context.Context) error {
			if err := s.sessions.Create(ctx, sess); err != nil {
				return err
			}
			return s.sessions.Update(ctx, parent, parent.Version)
		}); err != nil {
			return nil, err
		}
	} else if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("Session created",
		"session_id", sess.ID, "tenant_id", sess.TenantID,
		"type", sess.Type, "priority", sess.Priority)
	s.publish(sess)
	return sess, nil
}

// Get returns one session.
func (s *SessionService) Get(ctx context.Context, id string) (*session.Session, error) {
	if _, err := s.gate.Authorize(ctx, tenancy.OpRead); err != nil {
		return nil, err
	}
	return s.sessions.Get(ctx, id)
}

// List returns a filtered page of the tenant's sessions.
func (s *SessionService) List(ctx context.Context, f store.Filter) (*store.Page, error) {
	if _, err := s.gate.Authorize(ctx, tenancy.OpRead); err != nil {
		return nil, err
	}
	return s.sessions.List(ctx, f)
}

// Start places a pending session into the queue, where the supervisor
// pool picks it up.
func (s *SessionService) Start(ctx context.Context, id string) (*session.Session, error) {
	if _, err := s.gate.AuthorizeWithQuota(ctx, tenancy.OpStart); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sess.Enqueue(); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("Session queued", "session_id", sess.ID)
	return sess, nil
}

// Pause suspends a running session. The supervisor observes the pause
// cooperatively between polls.
func (s *SessionService) Pause(ctx context.Context, id string) (*session.Session, error) {
	return s.transition(ctx, id, session.StatusPaused, tenancy.OpCancel)
}

// Resume returns a paused session to running.
func (s *SessionService) Resume(ctx context.Context, id string) (*session.Session, error) {
	return s.transition(ctx, id, session.StatusRunning, tenancy.OpStart)
}

// Cancel stops a session. Pre-running sessions are written cancelled
// directly; an in-flight supervision is signalled and finalises the
// session itself.
func (s *SessionService) Cancel(ctx context.Context, id string) (*session.Session, error) {
	if _, err := s.gate.Authorize(ctx, tenancy.OpCancel); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case session.StatusPending, session.StatusQueued, session.StatusPaused:
		if err := sess.Transition(session.StatusCancelled); err != nil {
			return nil, err
		}
		if err := s.persist(ctx, sess); err != nil {
			return nil, err
		}
		s.logger.Info("Session cancelled", "session_id", id)
		return sess, nil
	default:
		if s.canceller != nil && s.canceller.Cancel(id) {
			s.logger.Info("Cancellation signalled to supervisor", "session_id", id)
			return sess, nil
		}
		// No local supervision; refuse rather than guess at the state
		// another instance is driving.
		return nil, &session.InvalidTransitionError{From: sess.Status, To: session.StatusCancelled}
	}
}

// Complete finalises a session with an operator-provided result, used
// for sessions whose outcome arrived out of band.
func (s *SessionService) Complete(ctx context.Context, id, result string) (*session.Session, error) {
	if _, err := s.gate.Authorize(ctx, tenancy.OpStart); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sess.Complete(result); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("Session completed by operator", "session_id", id)
	return sess, nil
}

// Delete removes a terminal session.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	if _, err := s.gate.Authorize(ctx, tenancy.OpDelete); err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Session deleted", "session_id", id)
	return nil
}

func (s *SessionService) transition(ctx context.Context, id string, to session.Status, op tenancy.Operation) (*session.Session, error) {
	if _, err := s.gate.Authorize(ctx, op); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sess.Transition(to); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionService) persist(ctx context.Context, sess *session.Session) error {
	if err := s.sessions.Update(ctx, sess, sess.Version); err != nil {
		return err
	}
	s.publish(sess)
	return nil
}

func (s *SessionService) publish(sess *session.Session) {
	for _, evt := range sess.DrainEvents() {
		s.bus.Publish(evt)
	}
}
