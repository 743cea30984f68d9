package rbac

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/auth"
)

// RequireTenant rejects tokens that are not scoped to a tenant.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := auth.TenantID(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole guards a route group. RoleSuperAdmin passes every guard;
// RoleMediaIngest passes only where it is listed.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowed = slices.Clone(allowed)
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		switch {
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
		case IsSuperAdmin(role) || slices.Contains(allowed, role):
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		}
	}
}
