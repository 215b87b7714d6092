package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

type Invitation struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;index" json:"organization_id"`
	Email       string       `gorm:"type:varchar(320);not null;index" json:"email"`
	Role        string       `gorm:"type:varchar(16);not null" json:"role"`
	Status      Status       `gorm:"type:varchar(16);not null;index" json:"status"`
	InviterID   snowflake.ID `gorm:"not null" json:"inviter_id"`
	ExpiresAt   time.Time    `gorm:"not null" json:"expires_at"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (Invitation) TableName() string { return "invitations" }

// Effective reports the status as seen at now; a pending invitation past its
// expiry reads as expired.
func (i Invitation) Effective(now time.Time) Status {
	if i.Status == StatusPending && !now.Before(i.ExpiresAt) {
		return StatusExpired
	}
	return i.Status
}

// View is an invitation joined with its organization and inviter.
type View struct {
	Invitation
	OrgName     string `json:"organization_name"`
	OrgSlug     string `json:"organization_slug"`
	InviterName string `json:"inviter_name"`
}
