package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrganization(ctx context.Context, org *Organization) error
	SlugExists(ctx context.Context, slug string) (bool, error)
	GetOrganization(ctx context.Context, orgID snowflake.ID) (*Organization, error)
	DeleteOrganization(ctx context.Context, orgID snowflake.ID) error
	AddMember(ctx context.Context, member *OrganizationMember) error
	GetMember(ctx context.Context, orgID, userID snowflake.ID) (*OrganizationMember, error)
	ListMembers(ctx context.Context, orgID snowflake.ID) ([]MemberView, error)
	RemoveMember(ctx context.Context, orgID, userID snowflake.ID) (bool, error)
	UpdateMemberRole(ctx context.Context, orgID, userID snowflake.ID, role string) (bool, error)
	ListOrganizationsByUser(ctx context.Context, userID snowflake.ID) ([]OrganizationListItem, error)
}
