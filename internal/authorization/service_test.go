package authorization

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestAuthorizer(t *testing.T) (*gorm.DB, Service) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.Exec(`CREATE TABLE organization_members (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL
	)`).Error)

	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)

	return conn, NewService(Params{DB: conn, Log: zap.NewNop(), Enforcer: enforcer})
}

func addMember(t *testing.T, conn *gorm.DB, id int64, orgID, userID snowflake.ID, role Role) {
	t.Helper()
	require.NoError(t, conn.Exec(
		`INSERT INTO organization_members (id, org_id, user_id, role) VALUES (?, ?, ?, ?)`,
		id, orgID, userID, string(role),
	).Error)
}

func TestAuthorize_EnforcerAgreesWithRegistry(t *testing.T) {
	conn, svc := newTestAuthorizer(t)
	orgID := snowflake.ID(100)
	users := map[Role]snowflake.ID{RoleOwner: 1, RoleAdmin: 2, RoleMember: 3}
	for role, userID := range users {
		addMember(t, conn, int64(userID), orgID, userID, role)
	}

	ctx := context.Background()
	for role, userID := range users {
		for _, action := range Actions {
			resolved, err := svc.Authorize(ctx, orgID, userID, action)
			if Can(role, action) {
				assert.NoError(t, err, "role=%s action=%s", role, action)
				assert.Equal(t, role, resolved)
			} else {
				assert.ErrorIs(t, err, ErrForbidden, "role=%s action=%s", role, action)
			}
		}
	}
}

func TestAuthorize_NonMemberForbidden(t *testing.T) {
	conn, svc := newTestAuthorizer(t)
	addMember(t, conn, 1, 100, 1, RoleOwner)

	_, err := svc.Authorize(context.Background(), 200, 1, ActionInvite)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Authorize(context.Background(), 100, 9, ActionLeave)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorize_RoleChangeTakesEffectImmediately(t *testing.T) {
	conn, svc := newTestAuthorizer(t)
	addMember(t, conn, 1, 100, 7, RoleAdmin)
	ctx := context.Background()

	_, err := svc.Authorize(ctx, 100, 7, ActionInvite)
	require.NoError(t, err)

	require.NoError(t, conn.Exec(`UPDATE organization_members SET role = ? WHERE user_id = ?`, "member", 7).Error)

	_, err = svc.Authorize(ctx, 100, 7, ActionInvite)
	assert.ErrorIs(t, err, ErrForbidden)

	role, err := svc.ResolveRole(ctx, 100, 7)
	require.NoError(t, err)
	assert.Equal(t, RoleMember, role)
}

func TestAuthorize_ValidatesInput(t *testing.T) {
	_, svc := newTestAuthorizer(t)
	ctx := context.Background()

	_, err := svc.Authorize(ctx, 100, 0, ActionInvite)
	assert.ErrorIs(t, err, ErrInvalidActor)
	_, err = svc.Authorize(ctx, 0, 1, ActionInvite)
	assert.ErrorIs(t, err, ErrInvalidOrganization)
	_, err = svc.Authorize(ctx, 100, 1, "")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestNewEnforcer_DropsStaleGrants(t *testing.T) {
	conn, _ := newTestAuthorizer(t)

	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)
	_, err = enforcer.AddPolicy("role:member", "organization", "organization.delete")
	require.NoError(t, err)

	reloaded, err := NewEnforcer(conn)
	require.NoError(t, err)
	has, err := reloaded.HasPolicy("role:member", "organization", "organization.delete")
	require.NoError(t, err)
	assert.False(t, has)
}
