package authorization

import "strings"

// Action is an organization-scoped mutation guarded by the registry.
type Action string

const (
	ActionInvite       Action = "invitation.create"
	ActionCancelInvite Action = "invitation.cancel"
	ActionRemoveMember Action = "member.remove"
	ActionLeave        Action = "member.leave"
	ActionChangeRole   Action = "member.update_role"
	ActionDeleteOrg    Action = "organization.delete"
	ActionViewAuditLog Action = "audit_log.view"
)

// Actions lists every known action.
var Actions = []Action{
	ActionInvite,
	ActionCancelInvite,
	ActionRemoveMember,
	ActionLeave,
	ActionChangeRole,
	ActionDeleteOrg,
	ActionViewAuditLog,
}

// Object is the resource half of the action name.
func (a Action) Object() string {
	object, _, _ := strings.Cut(string(a), ".")
	return object
}

func (a Action) String() string { return string(a) }

// permissions is the complete grant table. Anything absent is denied.
// Owners cannot leave; ownership is never transferred.
var permissions = map[Role][]Action{
	RoleOwner: {
		ActionInvite,
		ActionCancelInvite,
		ActionRemoveMember,
		ActionChangeRole,
		ActionDeleteOrg,
		ActionViewAuditLog,
	},
	RoleAdmin: {
		ActionInvite,
		ActionCancelInvite,
		ActionRemoveMember,
		ActionLeave,
		ActionViewAuditLog,
	},
	RoleMember: {
		ActionLeave,
	},
}

// Can reports whether role may perform action. Unknown roles and actions
// are denied.
func Can(role Role, action Action) bool {
	for _, allowed := range permissions[role] {
		if allowed == action {
			return true
		}
	}
	return false
}

// Permissions returns a copy of the actions granted to role.
func Permissions(role Role) []Action {
	granted := permissions[role]
	out := make([]Action, len(granted))
	copy(out, granted)
	return out
}
