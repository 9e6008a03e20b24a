// Package rbac holds the role model and the static access tables that gate
// dashboard pages and API routes.
package rbac

import (
	"slices"
	"strings"
)

// Role identifies a subject's privilege tier.
type Role string

const (
	RoleSuperAdmin  Role = "super_admin"
	RoleAdmin       Role = "admin"
	RoleOrgManager  Role = "org_manager"
	RoleBeneficiary Role = "beneficiary"
)

// AllRoles lists every role, most privileged first.
var AllRoles = []Role{RoleSuperAdmin, RoleAdmin, RoleOrgManager, RoleBeneficiary}

var levels = map[Role]int{
	RoleSuperAdmin:  4,
	RoleAdmin:       3,
	RoleOrgManager:  2,
	RoleBeneficiary: 1,
}

// ParseRole normalizes raw into a known role.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := levels[role]; !ok {
		return "", false
	}
	return role, true
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := levels[r]
	return ok
}

// Level returns the privilege number of r, or 0 for unknown roles.
func (r Role) Level() int {
	return levels[r]
}

func (r Role) String() string { return string(r) }

// HasPermission reports whether role may use a resource open to allowed.
// super_admin always passes. Every other role must be listed explicitly:
// a higher level never admits lower tiers implicitly.
func HasPermission(role Role, allowed []Role) bool {
	if role == RoleSuperAdmin {
		return true
	}
	if !role.Valid() {
		return false
	}
	return slices.Contains(allowed, role)
}

// CanAccessOrganizationData decides whether a subject of role belonging to
// userOrgID may act on data owned by targetOrgID.
func CanAccessOrganizationData(role Role, userOrgID, targetOrgID string) bool {
	switch role {
	case RoleSuperAdmin, RoleAdmin:
		return true
	case RoleOrgManager:
		userOrgID = strings.TrimSpace(userOrgID)
		return userOrgID != "" && userOrgID == strings.TrimSpace(targetOrgID)
	default:
		return false
	}
}
