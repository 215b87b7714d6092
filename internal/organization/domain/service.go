package domain

import (
	"context"
	"errors"
	"regexp"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/authorization"
)

const (
	MinNameLength = 2
	MaxNameLength = 64
	MaxSlugLength = 64
)

// SlugPattern is the only accepted slug shape.
var SlugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

type Service interface {
	Create(ctx context.Context, userID snowflake.ID, req CreateOrganizationRequest) (*Organization, error)
	CheckSlug(ctx context.Context, slug string) (bool, error)
	List(ctx context.Context, userID snowflake.ID) ([]OrganizationListItem, error)
	GetFull(ctx context.Context, userID, orgID snowflake.ID) (*FullOrganization, error)
	Delete(ctx context.Context, userID, orgID snowflake.ID) error

	ListMembers(ctx context.Context, userID, orgID snowflake.ID) ([]MemberView, error)
	RemoveMember(ctx context.Context, userID, orgID, targetUserID snowflake.ID) (*RemoveMemberResult, error)
	UpdateMemberRole(ctx context.Context, userID, orgID, targetUserID snowflake.ID, role string) (*OrganizationMember, error)

	SetActive(ctx context.Context, session *authdomain.Session, orgID *snowflake.ID) (*ActiveOrganization, error)
	ResolveActive(ctx context.Context, session *authdomain.Session) (*ActiveOrganization, error)
}

type CreateOrganizationRequest struct {
	Name     string
	Slug     string
	Logo     *string
	Metadata map[string]any
}

type RemoveMemberResult struct {
	Removed bool `json:"removed"`
	Left    bool `json:"left"`
}

// ActiveOrganization is the session's selected organization with the role
// read from the membership table at resolution time.
type ActiveOrganization struct {
	OrgID snowflake.ID       `json:"organization_id"`
	Role  authorization.Role `json:"role"`
}

var (
	ErrInvalidName          = errors.New("invalid_name")
	ErrInvalidSlug          = errors.New("invalid_slug")
	ErrSlugTaken            = errors.New("slug_taken")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrOrganizationNotFound = errors.New("organization_not_found")
	ErrMemberNotFound       = errors.New("member_not_found")
	ErrAlreadyMember        = errors.New("already_member")
)
