package rbac

import (
	"path"
	"sort"
	"strings"
)

// Default is the decision a Table returns for keys it has no rule for.
type Default int

const (
	// DefaultAllow admits unmapped keys (fail-open).
	DefaultAllow Default = iota + 1
	// DefaultDeny rejects unmapped keys (fail-closed).
	DefaultDeny
)

func (d Default) String() string {
	switch d {
	case DefaultAllow:
		return "allow"
	case DefaultDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Rule describes who may reach a page or route.
type Rule struct {
	// Public rules need no authenticated subject at all.
	Public bool
	Roles  []Role
}

// Authenticated admits every known role.
func Authenticated() Rule { return Rule{Roles: AllRoles} }

// Only admits the listed roles (plus super_admin, see HasPermission).
func Only(roles ...Role) Rule { return Rule{Roles: roles} }

// Public admits anonymous callers.
func Public() Rule { return Rule{Public: true} }

// Table maps keys (page paths or "METHOD pattern" strings) to rules with an
// explicit default for everything unmapped.
type Table struct {
	name     string
	fallback Default
	parents  bool
	rules    map[string]Rule
}

// NewTable builds a table. When inherit is set, a key without its own rule
// takes the rule of its closest mapped parent path before the default applies.
func NewTable(name string, fallback Default, inherit bool, rules map[string]Rule) *Table {
	copied := make(map[string]Rule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Table{name: name, fallback: fallback, parents: inherit, rules: copied}
}

// Name identifies the table in logs.
func (t *Table) Name() string { return t.name }

// Fallback returns the decision used for unmapped keys.
func (t *Table) Fallback() Default { return t.fallback }

// Keys returns the mapped keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Gated reports whether rule admits only some roles, as opposed to being
// public or open to every authenticated subject.
func (r Rule) Gated() bool {
	if r.Public {
		return false
	}
	for _, role := range AllRoles {
		if !HasPermission(role, r.Roles) {
			return true
		}
	}
	return false
}

// Lookup returns the rule for key and whether one is mapped.
func (t *Table) Lookup(key string) (Rule, bool) {
	if rule, ok := t.rules[key]; ok {
		return rule, true
	}
	if !t.parents {
		return Rule{}, false
	}
	for p := key; p != "/" && p != "." && p != ""; {
		p = path.Dir(p)
		if rule, ok := t.rules[p]; ok {
			return rule, true
		}
	}
	return Rule{}, false
}

// Allows decides whether role may reach key. An empty role stands for an
// anonymous caller and only passes public rules or an allow default.
func (t *Table) Allows(role Role, key string) bool {
	rule, ok := t.Lookup(key)
	if !ok {
		return t.fallback == DefaultAllow
	}
	if rule.Public {
		return true
	}
	return HasPermission(role, rule.Roles)
}

// RouteKey builds the Routes lookup key for an HTTP method and mux pattern.
func RouteKey(method, pattern string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	pattern = strings.TrimSpace(pattern)
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		// pattern already carries a method ("POST /x")
		return strings.ToUpper(pattern[:i]) + " " + strings.TrimSpace(pattern[i+1:])
	}
	return method + " " + pattern
}

// Pages gates dashboard navigation. Pages without a rule are assumed to be
// non-sensitive and stay reachable.
var Pages = NewTable("pages", DefaultAllow, true, map[string]Rule{
	"/login":                Public(),
	"/reset-password":       Public(),
	"/dashboard":            Authenticated(),
	"/profile":              Authenticated(),
	"/admin":                Only(RoleAdmin),
	"/admin/system":         Only(),
	"/admin/users":          Only(RoleAdmin),
	"/admin/organizations":  Only(RoleAdmin),
	"/admin/content":        Only(RoleAdmin),
	"/admin/audit-logs":     Only(RoleAdmin),
	"/organization":         Only(RoleAdmin, RoleOrgManager),
	"/organization/users":   Only(RoleAdmin, RoleOrgManager),
	"/organization/reports": Only(RoleAdmin, RoleOrgManager),
	"/surveys":              Only(RoleAdmin, RoleOrgManager),
	"/surveys/take":         Only(RoleBeneficiary),
	"/my-responses":         Only(RoleBeneficiary),
})

// Routes gates the HTTP API. Routes without a rule are assumed to be
// sensitive and are refused.
var Routes = NewTable("routes", DefaultDeny, false, map[string]Rule{
	"POST /api/auth/login":                  Public(),
	"POST /api/auth/password-reset/request": Public(),
	"POST /api/auth/password-reset/confirm": Public(),
	"POST /api/auth/password-strength":      Public(),
	"POST /api/auth/logout":                 Authenticated(),
	"POST /api/auth/refresh":                Authenticated(),
	"GET /api/auth/me":                      Authenticated(),
	"GET /api/access/pages":                 Authenticated(),
	"GET /api/organizations/{orgID}/access": Only(RoleAdmin, RoleOrgManager),
	"PUT /api/admin/users/{id}/status":      Only(RoleAdmin, RoleOrgManager),
	"POST /api/admin/users/lock":            Only(RoleAdmin),
})
