package rbac

// Role names carried in admin tokens.
const (
	RoleSuperAdmin        = "super_admin"
	RoleComplianceOfficer = "compliance_officer"
	RoleAuditor           = "auditor"
	// RoleMediaIngest is the service role of the media pipeline that uploads
	// recording content. It is never implied by another role.
	RoleMediaIngest = "media_ingest"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsServiceRole(role string) bool { return role == RoleMediaIngest }

// CanAccessTenant reports whether a caller scoped to callerTenant may act on
// data owned by resourceTenant.
func CanAccessTenant(role, callerTenant, resourceTenant string) bool {
	if IsSuperAdmin(role) {
		return true
	}
	return callerTenant != "" && callerTenant == resourceTenant
}
