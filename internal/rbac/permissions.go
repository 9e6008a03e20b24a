package rbac

// Feature permissions used by the dashboard to show or hide functionality.
// They never decide API access; see Routes for that.
const (
	PermManageSystem        = "manage_system"
	PermManageOrganizations = "manage_organizations"
	PermManageAllUsers      = "manage_all_users"
	PermManageOrgUsers      = "manage_org_users"
	PermManageContent       = "manage_content"
	PermManageSurveys       = "manage_surveys"
	PermViewAllData         = "view_all_data"
	PermViewOrgData         = "view_org_data"
	PermExportData          = "export_data"
	PermViewAuditLogs       = "view_audit_logs"
	PermTakeSurveys         = "take_surveys"
	PermViewOwnResponses    = "view_own_responses"
)

var rolePermissions = map[Role][]string{
	RoleSuperAdmin: {
		PermManageSystem,
		PermManageOrganizations,
		PermManageAllUsers,
		PermManageContent,
		PermManageSurveys,
		PermViewAllData,
		PermExportData,
		PermViewAuditLogs,
	},
	RoleAdmin: {
		PermManageOrganizations,
		PermManageAllUsers,
		PermManageContent,
		PermManageSurveys,
		PermViewAllData,
		PermExportData,
		PermViewAuditLogs,
	},
	RoleOrgManager: {
		PermManageOrgUsers,
		PermManageSurveys,
		PermViewOrgData,
		PermExportData,
	},
	RoleBeneficiary: {
		PermTakeSurveys,
		PermViewOwnResponses,
	},
}

// PermissionsFor returns a copy of the feature permissions granted to role.
func PermissionsFor(role Role) []string {
	perms := rolePermissions[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}
