// Package authz provides identity extraction and role checks for the fleet
// control plane. Requests are authenticated either by a trusted proxy via
// X-Remote-* headers or by a JWT bearer token; handlers then gate on a
// minimum role, and services apply per-resource ownership checks on top.
package authz

// Role is an operator-surface access level. Roles are ordered; a higher role
// implies every lower one.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleCustomer: 1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// ParseRole normalizes a role string. Unknown values map to RoleViewer so a
// bad claim can never grant more than read access.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleCustomer, RoleViewer:
		return Role(s)
	}
	return RoleViewer
}

// AtLeast reports whether r grants at least the given role.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}
