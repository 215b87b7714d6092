package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/smallbiznis/workspace/internal/organization/domain"
)

type Service interface {
	Create(ctx context.Context, actorID, orgID snowflake.ID, req CreateRequest) (*Invitation, error)
	Cancel(ctx context.Context, actorID, invitationID snowflake.ID) (*Invitation, error)
	Accept(ctx context.Context, userID, invitationID snowflake.ID) (*orgdomain.OrganizationMember, error)
	Reject(ctx context.Context, userID, invitationID snowflake.ID) error
	Get(ctx context.Context, userID, invitationID snowflake.ID) (*View, error)
	ListByOrganization(ctx context.Context, actorID, orgID snowflake.ID) ([]View, error)
	ListForUser(ctx context.Context, userID snowflake.ID) ([]View, error)
}

type CreateRequest struct {
	Email string
	Role  string
}

var (
	ErrNotFound            = errors.New("invitation_not_found")
	ErrInvalidEmail        = errors.New("invalid_email")
	ErrInvalidState        = errors.New("invalid_state")
	ErrDuplicateInvitation = errors.New("duplicate_invitation")
	ErrAlreadyMember       = errors.New("already_member")
	ErrRecipientMismatch   = errors.New("recipient_mismatch")
)
