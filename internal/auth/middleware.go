package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/audit"
)

// RequireAccessToken admits requests that present a valid access token as a
// bearer credential. The verified identity lands on the request context,
// where both the rbac checks and the audit log read it.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		claims, err := m.Verify(token, TokenTypeAccess, time.Now())
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.TenantID, claims.Role)
		ctx = audit.WithActor(ctx, audit.Actor{UserID: claims.UserID, Role: claims.Role, IP: c.ClientIP()})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
