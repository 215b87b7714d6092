package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Audit actions recorded by the auth and organization services.
const (
	ActionSignIn              = "auth.sign_in"
	ActionSignInFailed        = "auth.sign_in_failed"
	ActionSignOut             = "auth.sign_out"
	ActionSessionRevoked      = "auth.session_revoked"
	ActionPasswordReset       = "auth.password_reset"
	ActionPasswordChanged     = "auth.password_changed"
	ActionEmailVerified       = "auth.email_verified"
	ActionTwoFactorEnabled    = "auth.two_factor_enabled"
	ActionTwoFactorDisabled   = "auth.two_factor_disabled"
	ActionPasskeyAdded        = "auth.passkey_added"
	ActionPasskeyRemoved      = "auth.passkey_removed"
	ActionUserDeleted         = "auth.user_deleted"
	ActionOrganizationCreated = "organization.created"
	ActionOrganizationDeleted = "organization.deleted"
	ActionInvitationCreated   = "invitation.created"
	ActionInvitationCanceled  = "invitation.canceled"
	ActionInvitationAccepted  = "invitation.accepted"
	ActionInvitationExpired   = "invitation.expired"
	ActionMemberRemoved       = "member.removed"
	ActionMemberRoleChanged   = "member.role_changed"
	ActionAuthorizationDenied = "authorization.denied"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID      *snowflake.ID     `gorm:"index" json:"org_id,omitempty"`
	ActorType  string            `gorm:"type:varchar(32);not null" json:"actor_type"`
	ActorID    *string           `gorm:"type:varchar(64)" json:"actor_id,omitempty"`
	Action     string            `gorm:"type:varchar(64);not null;index" json:"action"`
	TargetType string            `gorm:"type:varchar(64);not null" json:"target_type"`
	TargetID   *string           `gorm:"type:varchar(64)" json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	IPAddress  *string           `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent  *string           `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *pagination.Cursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}
