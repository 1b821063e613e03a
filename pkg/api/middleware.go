package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conductor-ai/conductor/pkg/tenancy"
)

// Context keys used by handlers.
const ctxRequestID = "request_id"

// requestIDMiddleware assigns each request an opaque id, echoed on the
// response and carried in error envelopes.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// tenantMiddleware builds the ambient identity from X-Tenant-ID and
// X-Role. Requests without a tenant pass through; the gate rejects the
// operations that need one, so unauthenticated reads still work where
// permitted.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.Next()
			return
		}
		role := tenancy.Role(c.GetHeader("X-Role"))
		if !role.Valid() {
			role = tenancy.RoleViewer
		}
		identity := tenancy.Identity{
			TenantID:  tenantID,
			Role:      role,
			RequestID: c.GetString(ctxRequestID),
		}
		c.Request = c.Request.WithContext(tenancy.WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}
