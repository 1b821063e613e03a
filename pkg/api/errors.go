package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conductor-ai/conductor/pkg/models"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/resilience"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

// Error codes carried in the response envelope.
const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeAgentUnavailable    = "AGENT_UNAVAILABLE"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeConflict            = "CONFLICT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeUnknownTenant       = "UNKNOWN_TENANT"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError maps a domain error onto the HTTP status and envelope
// code. Unrecognised errors surface as 500 without leaking internals.
func writeError(c *gin.Context, err error) {
	requestID := c.GetString(ctxRequestID)

	status, code, message := http.StatusInternalServerError, CodeInternalError, "internal error"

	var (
		validationErr *models.ValidationError
		transitionErr *session.InvalidTransitionError
		quotaErr      *tenancy.QuotaExceededError
		permErr       *tenancy.PermissionError
		tenantErr     *tenancy.UnknownTenantError
		upstreamErr   *resilience.HTTPStatusError
	)
	switch {
	case errors.As(err, &validationErr):
		status, code, message = http.StatusBadRequest, CodeValidationFailed, validationErr.Error()
	case errors.As(err, &transitionErr):
		status, code, message = http.StatusBadRequest, CodeInvalidTransition, transitionErr.Error()
	case errors.Is(err, store.ErrInvalidState):
		status, code, message = http.StatusBadRequest, CodeInvalidTransition, err.Error()
	case errors.Is(err, store.ErrConflict):
		status, code, message = http.StatusConflict, CodeConflict, "session was modified concurrently, retry"
	case errors.Is(err, store.ErrNotFound):
		status, code, message = http.StatusNotFound, CodeSessionNotFound, "session not found"
	case errors.Is(err, registry.ErrAgentNotFound):
		status, code, message = http.StatusNotFound, CodeAgentUnavailable, "agent not found"
	case errors.Is(err, registry.ErrNoAgentAvailable):
		status, code, message = http.StatusServiceUnavailable, CodeAgentUnavailable, "no agent available"
	case errors.As(err, &quotaErr):
		status, code, message = http.StatusTooManyRequests, CodeQuotaExceeded, quotaErr.Error()
	case errors.Is(err, resilience.ErrRateLimited):
		status, code, message = http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded"
	case errors.Is(err, resilience.ErrCircuitOpen), errors.As(err, &upstreamErr):
		status, code, message = http.StatusBadGateway, CodeUpstreamUnavailable, "upstream unavailable"
	case errors.As(err, &permErr):
		status, code, message = http.StatusForbidden, CodePermissionDenied, permErr.Error()
	case errors.As(err, &tenantErr):
		status, code, message = http.StatusForbidden, CodeUnknownTenant, tenantErr.Error()
	case errors.Is(err, tenancy.ErrNoTenant):
		status, code, message = http.StatusUnauthorized, CodePermissionDenied, "missing tenant identity"
	default:
		slog.Error("Unhandled API error", "request_id", requestID, "error", err)
	}

	c.AbortWithStatusJSON(status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}})
}
