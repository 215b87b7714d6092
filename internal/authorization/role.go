package authorization

import "strings"

// Role is an organization membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Roles lists every valid role in descending privilege order.
var Roles = []Role{RoleOwner, RoleAdmin, RoleMember}

// ParseRole accepts only the closed set of roles.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleMember:
		return RoleMember, nil
	default:
		return "", ErrInvalidRole
	}
}

func (r Role) String() string { return string(r) }

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Invitable reports whether the role can be granted through an invitation.
func (r Role) Invitable() bool {
	return r == RoleAdmin || r == RoleMember
}

func (r Role) subject() string {
	return "role:" + string(r)
}
