// Package api exposes the REST and WebSocket surface: session CRUD and
// lifecycle commands, agent management, the external agent protocol
// ingestion endpoints, and real-time event streaming.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conductor-ai/conductor/pkg/dispatch"
	"github.com/conductor-ai/conductor/pkg/events"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/services"
)

// HealthChecker reports readiness of a backing dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server owns the HTTP surface.
type Server struct {
	engine   *gin.Engine
	sessions *services.SessionService
	agents   *registry.Registry
	external *dispatch.ExternalAdapter
	hub      *Hub
	checks   map[string]HealthChecker
	logger   *slog.Logger
	http     *http.Server
}

// NewServer wires routes and middleware. checks holds named backing
// dependencies probed by the health endpoint; may be nil in tests.
func NewServer(
	sessions *services.SessionService,
	agents *registry.Registry,
	external *dispatch.ExternalAdapter,
	bus *events.Bus,
	checks map[string]HealthChecker,
	logger *slog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), tenantMiddleware())

	s := &Server{
		engine:   engine,
		sessions: sessions,
		agents:   agents,
		external: external,
		hub:      NewHub(bus, logger),
		checks:   checks,
		logger:   logger.With("component", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", s.handleListSessions)
			sessions.POST("", s.handleCreateSession)
			sessions.GET("/:id", s.handleGetSession)
			sessions.DELETE("/:id", s.handleDeleteSession)
			sessions.POST("/:id/start", s.handleStartSession)
			sessions.POST("/:id/pause", s.handlePauseSession)
			sessions.POST("/:id/resume", s.handleResumeSession)
			sessions.POST("/:id/cancel", s.handleCancelSession)
			sessions.POST("/:id/complete", s.handleCompleteSession)
		}

		agents := v1.Group("/agents")
		{
			agents.GET("", s.handleListAgents)
			agents.GET("/:id", s.handleGetAgent)
			agents.POST("", s.handleRegisterAgent)
			agents.POST("/:id/heartbeat", s.handleAgentHeartbeat)
			agents.DELETE("/:id", s.handleDeregisterAgent)

			external := agents.Group("/external")
			{
				external.POST("/register", s.handleExternalRegister)
				external.POST("/:id/heartbeat", s.externalAuth(), s.handleExternalHeartbeat)
				external.POST("/:id/task-result", s.externalAuth(), s.handleTaskResult)
			}
		}
	}

	ws := s.engine.Group("/ws")
	{
		ws.GET("/sessions", s.handleWS(func(*gin.Context) string { return events.RoomGlobal }))
		ws.GET("/sessions/:id", s.handleWS(func(c *gin.Context) string { return events.SessionRoom(c.Param("id")) }))
		ws.GET("/agents", s.handleWS(func(*gin.Context) string { return events.RoomGlobal }))
		ws.GET("/agents/:id", s.handleWS(func(c *gin.Context) string { return events.AgentRoom(c.Param("id")) }))
		ws.GET("/system", s.handleWS(func(*gin.Context) string { return events.RoomGlobal }))
	}
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.hub.Close()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	code := http.StatusOK
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check.Ping(ctx)
		cancel()
		if err != nil {
			status["status"] = "degraded"
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, status)
}
