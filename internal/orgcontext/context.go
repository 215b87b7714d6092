package orgcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/internal/authorization"
)

type orgContextKey struct{}

// Membership is the caller's organization and role as resolved for the
// current request.
type Membership struct {
	OrgID snowflake.ID
	Role  authorization.Role
}

// WithMembership stores the resolved membership in the context.
func WithMembership(ctx context.Context, orgID snowflake.ID, role authorization.Role) context.Context {
	return context.WithValue(ctx, orgContextKey{}, Membership{OrgID: orgID, Role: role})
}

// WithOrgID stores an organization without a resolved role.
func WithOrgID(ctx context.Context, orgID snowflake.ID) context.Context {
	return WithMembership(ctx, orgID, "")
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	m, ok := MembershipFromContext(ctx)
	if !ok || m.OrgID == 0 {
		return 0, false
	}
	return m.OrgID, true
}

func MembershipFromContext(ctx context.Context) (Membership, bool) {
	if ctx == nil {
		return Membership{}, false
	}
	m, ok := ctx.Value(orgContextKey{}).(Membership)
	return m, ok
}
