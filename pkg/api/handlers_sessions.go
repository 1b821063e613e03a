package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/conductor-ai/conductor/pkg/models"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/store"
)

func (s *Server) handleCreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	sess, err := s.sessions.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	filter := store.Filter{
		Search: c.Query("search"),
	}
	for _, raw := range c.QueryArray("status") {
		st := session.Status(raw)
		if !st.Valid() {
			writeError(c, &models.ValidationError{Field: "status", Message: "unknown status " + raw})
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if raw := c.Query("priority"); raw != "" {
		p := session.Priority(raw)
		if !p.Valid() {
			writeError(c, &models.ValidationError{Field: "priority", Message: "unknown priority " + raw})
			return
		}
		filter.Priority = p
	}
	if raw := c.Query("type"); raw != "" {
		typ := session.Type(raw)
		if !typ.Valid() {
			writeError(c, &models.ValidationError{Field: "type", Message: "unknown type " + raw})
			return
		}
		filter.Type = typ
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := s.sessions.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleStartSession(c *gin.Context) {
	sess, err := s.sessions.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handlePauseSession(c *gin.Context) {
	sess, err := s.sessions.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleResumeSession(c *gin.Context) {
	sess, err := s.sessions.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCancelSession(c *gin.Context) {
	sess, err := s.sessions.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCompleteSession(c *gin.Context) {
	var body struct {
		Result string `json:"result"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &models.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	sess, err := s.sessions.Complete(c.Request.Context(), c.Param("id"), body.Result)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
