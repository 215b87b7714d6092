package authorization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCan_PermissionTable(t *testing.T) {
	cases := []struct {
		role    Role
		allowed []Action
	}{
		{RoleOwner, []Action{ActionInvite, ActionCancelInvite, ActionRemoveMember, ActionChangeRole, ActionDeleteOrg, ActionViewAuditLog}},
		{RoleAdmin, []Action{ActionInvite, ActionCancelInvite, ActionRemoveMember, ActionLeave, ActionViewAuditLog}},
		{RoleMember, []Action{ActionLeave}},
	}

	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			for _, action := range Actions {
				want := false
				for _, a := range tc.allowed {
					if a == action {
						want = true
					}
				}
				assert.Equal(t, want, Can(tc.role, action), "role=%s action=%s", tc.role, action)
			}
		})
	}
}

func TestCan_DenyByDefault(t *testing.T) {
	assert.False(t, Can(Role("superuser"), ActionInvite))
	assert.False(t, Can(Role(""), ActionLeave))
	assert.False(t, Can(RoleOwner, Action("billing.refund")))
	assert.False(t, Can(RoleMember, ActionInvite))
	assert.False(t, Can(RoleMember, ActionRemoveMember))
	assert.False(t, Can(RoleAdmin, ActionChangeRole))
	assert.False(t, Can(RoleAdmin, ActionDeleteOrg))
	assert.False(t, Can(RoleOwner, ActionLeave))
}

func TestPermissionsReturnsCopy(t *testing.T) {
	granted := Permissions(RoleMember)
	require.Len(t, granted, 1)
	granted[0] = ActionDeleteOrg

	assert.False(t, Can(RoleMember, ActionDeleteOrg))
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	_, err = ParseRole("finops")
	assert.ErrorIs(t, err, ErrInvalidRole)

	assert.True(t, RoleMember.Invitable())
	assert.True(t, RoleAdmin.Invitable())
	assert.False(t, RoleOwner.Invitable())
}

func TestActionObject(t *testing.T) {
	assert.Equal(t, "invitation", ActionInvite.Object())
	assert.Equal(t, "member", ActionRemoveMember.Object())
	assert.Equal(t, "organization", ActionDeleteOrg.Object())
}
