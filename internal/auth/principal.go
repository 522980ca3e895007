// ABOUTME: Principal, role, and permission types shared by both credential paths.
// ABOUTME: Roles form an ordered hierarchy; permissions are named boolean grants.

package auth

// Role is an ordered access level. Higher roles subsume lower ones.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleRank orders roles for AtLeast comparisons. Unknown roles rank lowest.
var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Valid reports whether the role is one of the known levels.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r meets or exceeds the required role.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// PermissionSet maps permission names to grants. A nil set means the
// principal carries no explicit permission map and is gated by role alone.
type PermissionSet map[string]bool

// Has reports whether the named permission is granted.
func (p PermissionSet) Has(name string) bool {
	return p[name]
}

// Principal is the authenticated identity bound to a session or resolved
// per-call from an API token. It is immutable once resolved.
type Principal struct {
	ID          string
	DisplayName string
	Role        Role
	Permissions PermissionSet
}

// IsAdmin reports whether the principal holds the admin role.
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Can reports whether the principal may perform a permission-gated action.
// Principals without an explicit permission map fall back to role gating,
// so session-token principals are not blocked by absent permission bits.
func (p *Principal) Can(permission string) bool {
	if p.Permissions == nil {
		return true
	}
	return p.Permissions.Has(permission)
}
