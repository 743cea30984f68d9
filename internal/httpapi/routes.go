package httpapi

import (
	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/rbac"
)

// Register mounts the admin API on v1. v1 must already run
// auth.RequireAccessToken.
func Register(v1 *gin.RouterGroup, h Handlers) {
	v1.Use(rbac.RequireTenant())

	read := rbac.RequireAnyRole(rbac.RoleComplianceOfficer, rbac.RoleAuditor)
	write := rbac.RequireAnyRole(rbac.RoleComplianceOfficer)
	superOnly := rbac.RequireAnyRole(rbac.RoleSuperAdmin)

	recs := v1.Group("/recordings")
	{
		recs.GET("/:id", read, h.GetRecording)
		recs.GET("/:id/content", write, h.DownloadRecording)
		recs.PUT("/:id/content", rbac.RequireAnyRole(rbac.RoleMediaIngest), h.UploadContent)
		recs.DELETE("/:id", write, h.DeleteRecording)
		recs.PUT("/:id/legal-hold", write, h.SetLegalHold)
	}
	v1.GET("/calls/:call_id/recordings", read, h.ListCallRecordings)

	v1.POST("/retention/apply", superOnly, h.ApplyRetention)
	v1.GET("/subscriptions", superOnly, h.ListSubscriptions)
	v1.GET("/compliance-events", read, h.ListComplianceEvents)
}
