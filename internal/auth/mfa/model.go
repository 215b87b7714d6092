package mfa

import (
	"time"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"gorm.io/datatypes"
)

// State is the server-confirmed enrollment state. The password prompt that
// precedes enable and disable is a client concern and has no server state.
type State string

const (
	StateDisabled                State = "disabled"
	StateAwaitingOtpConfirmation State = "awaiting_otp_confirmation"
	StateEnabled                 State = "enabled"
)

// TwoFactor holds a user's TOTP material. Secrets are encrypted at rest and
// backup codes are stored as digests.
type TwoFactor struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	UserID        snowflake.ID `gorm:"not null;uniqueIndex"`
	Secret        *string      `gorm:"type:text"`
	PendingSecret *string      `gorm:"type:text"`
	PendingSince  *time.Time
	BackupCodes   datatypes.JSONSlice[string] `gorm:"type:json"`
	LastUsedStep  int64                       `gorm:"not null"`
	Revision      int64                       `gorm:"not null"`
	EnabledAt     *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (TwoFactor) TableName() string { return "two_factors" }

func (t *TwoFactor) state(userEnabled bool) State {
	switch {
	case t == nil:
		return StateDisabled
	case userEnabled && t.Secret != nil:
		return StateEnabled
	case t.PendingSecret != nil:
		return StateAwaitingOtpConfirmation
	default:
		return StateDisabled
	}
}

type EnableResult struct {
	TotpURI string `json:"totpURI"`
}

type ConfirmResult struct {
	BackupCodes []string `json:"backupCodes"`
}

// VerifyResult is returned when a second factor completes sign-in.
type VerifyResult struct {
	Session                *authdomain.SessionResult
	TrustedDeviceToken     string
	TrustedDeviceExpiresAt time.Time
}

func jsonSlice(v []string) datatypes.JSONSlice[string] {
	return datatypes.JSONSlice[string](v)
}
