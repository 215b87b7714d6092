package passkey

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-webauthn/webauthn/webauthn"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"gorm.io/datatypes"
)

var (
	ErrRegistrationFailed = errors.New("passkey_registration_failed")
	ErrNotFound           = errors.New("passkey_not_found")
)

type Passkey struct {
	ID           snowflake.ID                            `gorm:"primaryKey" json:"id"`
	UserID       snowflake.ID                            `gorm:"not null;index" json:"-"`
	Name         string                                  `gorm:"type:varchar(128)" json:"name"`
	CredentialID string                                  `gorm:"type:varchar(512);not null;uniqueIndex" json:"credential_id"`
	Credential   datatypes.JSONType[webauthn.Credential] `json:"-"`
	CreatedAt    time.Time                               `gorm:"not null" json:"created_at"`
	LastUsedAt   *time.Time                              `json:"last_used_at,omitempty"`
}

func (Passkey) TableName() string { return "passkeys" }

func encodeID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ceremony is kept in the token store between begin and finish.
type ceremony struct {
	UserID  string               `json:"user_id,omitempty"`
	Session webauthn.SessionData `json:"session"`
}

// webauthnUser adapts a principal to the webauthn.User interface.
type webauthnUser struct {
	user        *authdomain.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.user.ID.String()) }
func (u *webauthnUser) WebAuthnName() string                       { return u.user.Email }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.user.Name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
