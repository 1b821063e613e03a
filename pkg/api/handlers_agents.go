package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conductor-ai/conductor/pkg/models"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

func (s *Server) handleListAgents(c *gin.Context) {
	tenantID := c.GetHeader("X-Tenant-ID")
	c.JSON(http.StatusOK, gin.H{"agents": s.agents.List(c.Request.Context(), tenantID)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	identity, ok := tenancy.FromContext(c.Request.Context())
	if !ok {
		writeError(c, tenancy.ErrNoTenant)
		return
	}
	if !identity.Role.Allowed(tenancy.OpManageAgents) {
		writeError(c, &tenancy.PermissionError{Role: identity.Role, Op: tenancy.OpManageAgents})
		return
	}

	var req models.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if req.Name == "" {
		writeError(c, &models.ValidationError{Field: "name", Message: "name is required"})
		return
	}

	agent, err := s.agents.Register(c.Request.Context(), registry.Descriptor{
		TenantID:           identity.TenantID,
		Name:               req.Name,
		Version:            req.Version,
		Capabilities:       req.Capabilities,
		Tier:               registry.Tier(req.Tier),
		HeartbeatInterval:  time.Duration(req.HeartbeatSeconds) * time.Second,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Metadata:           req.Metadata,
	}, registry.KindInternal)
	if err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleAgentHeartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if err := s.agents.Heartbeat(c.Request.Context(), c.Param("id"), req.CurrentLoad, registry.AgentStatus(req.Status)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeregisterAgent(c *gin.Context) {
	identity, ok := tenancy.FromContext(c.Request.Context())
	if !ok {
		writeError(c, tenancy.ErrNoTenant)
		return
	}
	if !identity.Role.Allowed(tenancy.OpManageAgents) {
		writeError(c, &tenancy.PermissionError{Role: identity.Role, Op: tenancy.OpManageAgents})
		return
	}
	s.agents.Deregister(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}

// handleExternalRegister is the EAP registration endpoint. It is the
// one external call that needs no token; the response issues one.
func (s *Server) handleExternalRegister(c *gin.Context) {
	var req models.ExternalRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if req.ProtocolVersion != models.EAPVersion {
		writeError(c, &models.ValidationError{
			Field:   "protocol_version",
			Message: "unsupported protocol version, expected " + models.EAPVersion,
		})
		return
	}
	if req.Name == "" || req.EndpointURL == "" {
		writeError(c, &models.ValidationError{Field: "body", Message: "name and endpoint_url are required"})
		return
	}

	agent, err := s.agents.Register(c.Request.Context(), registry.Descriptor{
		TenantID:           c.GetHeader("X-Tenant-ID"),
		Name:               req.Name,
		Version:            req.Version,
		Capabilities:       req.Capabilities,
		EndpointURL:        req.EndpointURL,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Metadata:           req.Metadata,
	}, registry.KindExternal)
	if err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, models.ExternalRegisterResponse{
		AgentID:                  agent.ID,
		Status:                   string(agent.Status),
		AuthToken:                agent.AuthToken,
		HeartbeatIntervalSeconds: int(agent.HeartbeatInterval / time.Second),
	})
}

// externalAuth authenticates callback requests by agent id and the
// X-Agent-Token issued at registration.
func (s *Server) externalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, err := s.agents.Authenticate(c.Request.Context(), c.Param("id"), c.GetHeader("X-Agent-Token"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) handleExternalHeartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if err := s.agents.Heartbeat(c.Request.Context(), c.Param("id"), req.CurrentLoad, registry.AgentStatus(req.Status)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleTaskResult ingests an EAP TaskResult and routes it to the
// waiting dispatch, if any.
func (s *Server) handleTaskResult(c *gin.Context) {
	var result models.TaskResult
	if err := c.ShouldBindJSON(&result); err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if !result.Valid() {
		writeError(c, &models.ValidationError{Field: "status", Message: "task_id and a completed/failed status are required"})
		return
	}

	if delivered := s.external.Deliver(result); !delivered {
		// The assignment timed out or this is a duplicate; acknowledge
		// so the agent stops retrying.
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}
