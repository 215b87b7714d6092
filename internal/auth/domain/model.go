// Package domain contains core types for the auth service.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// User represents a principal.
type User struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name                string            `gorm:"type:varchar(128);not null" json:"name"`
	Email               string            `gorm:"type:varchar(320);not null;uniqueIndex" json:"email"`
	EmailVerified       bool              `gorm:"not null;default:false" json:"email_verified"`
	Image               *string           `gorm:"type:text" json:"image,omitempty"`
	PasswordHash        *string           `gorm:"type:text" json:"-"`
	TwoFactorEnabled    bool              `gorm:"not null;default:false" json:"two_factor_enabled"`
	LastPasswordChanged *time.Time        `json:"-"`
	Metadata            datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// HasPassword reports whether the user can sign in with credentials.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != nil && *u.PasswordHash != ""
}

// Session represents a persisted login session. The raw token is only ever
// held by the client; the table stores its digest.
type Session struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	UserID      snowflake.ID  `gorm:"not null;index"`
	TokenHash   string        `gorm:"type:varchar(64);not null;uniqueIndex"`
	UserAgent   string        `gorm:"type:text"`
	IPAddress   string        `gorm:"type:varchar(64)"`
	Persistent  bool          `gorm:"not null"`
	ActiveOrgID *snowflake.ID `gorm:"index"`
	ExpiresAt   time.Time     `gorm:"not null;index"`
	RevokedAt   *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	LastSeenAt  time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Session) TableName() string { return "sessions" }

// Valid reports whether the session is unrevoked and unexpired at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Account links a user to an external identity provider.
type Account struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	UserID            snowflake.ID `gorm:"not null;index"`
	ProviderID        string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_accounts_provider_account"`
	ProviderAccountID string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_accounts_provider_account"`
	CreatedAt         time.Time    `gorm:"not null"`
	UpdatedAt         time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// SessionView is returned to clients without exposing token values.
type SessionView struct {
	ID          string    `json:"id"`
	UserAgent   string    `json:"user_agent"`
	IPAddress   string    `json:"ip_address"`
	Persistent  bool      `json:"persistent"`
	ActiveOrgID *string   `json:"active_organization_id"`
	Current     bool      `json:"current"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewSessionView(s *Session, currentID snowflake.ID) SessionView {
	view := SessionView{
		ID:         s.ID.String(),
		UserAgent:  s.UserAgent,
		IPAddress:  s.IPAddress,
		Persistent: s.Persistent,
		Current:    s.ID == currentID,
		CreatedAt:  s.CreatedAt,
		LastSeenAt: s.LastSeenAt,
		ExpiresAt:  s.ExpiresAt,
	}
	if s.ActiveOrgID != nil {
		id := s.ActiveOrgID.String()
		view.ActiveOrgID = &id
	}
	return view
}

// TwoFactorChallenge is held in the token store between a successful first
// factor and the second factor.
type TwoFactorChallenge struct {
	UserID     string `json:"user_id"`
	RememberMe bool   `json:"remember_me"`
	UserAgent  string `json:"user_agent"`
	IPAddress  string `json:"ip_address"`
}

// TrustedDevice is stored for a device that completed two-factor
// verification with "trust this device".
type TrustedDevice struct {
	UserID string `json:"user_id"`
}
