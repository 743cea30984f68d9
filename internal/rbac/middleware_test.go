package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/auth"
)

func serve(t *testing.T, userID, tenantID, role string, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, tenantID, role))
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "u", "t", RoleSuperAdmin, RequireTenant(), RequireAnyRole(RoleComplianceOfficer)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_ServiceRoleDeniedUnlessListed(t *testing.T) {
	if code := serve(t, "svc", "t", RoleMediaIngest, RequireTenant(), RequireAnyRole(RoleComplianceOfficer)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "svc", "t", RoleMediaIngest, RequireTenant(), RequireAnyRole(RoleMediaIngest)); code != 200 {
		t.Fatalf("expected 200 when listed, got %d", code)
	}
}

func TestRequireAnyRole_AuditorIsReadOnly(t *testing.T) {
	if code := serve(t, "u", "t", RoleAuditor, RequireAnyRole(RoleComplianceOfficer)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireTenant(t *testing.T) {
	if code := serve(t, "u", "", RoleComplianceOfficer, RequireTenant(), RequireAnyRole(RoleComplianceOfficer)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestCanAccessTenant(t *testing.T) {
	cases := []struct {
		role, caller, resource string
		want                   bool
	}{
		{RoleSuperAdmin, "t1", "t2", true},
		{RoleComplianceOfficer, "t1", "t1", true},
		{RoleComplianceOfficer, "t1", "t2", false},
		{RoleComplianceOfficer, "", "", false},
	}
	for _, tc := range cases {
		if got := CanAccessTenant(tc.role, tc.caller, tc.resource); got != tc.want {
			t.Fatalf("CanAccessTenant(%q, %q, %q) = %v, want %v", tc.role, tc.caller, tc.resource, got, tc.want)
		}
	}
}
