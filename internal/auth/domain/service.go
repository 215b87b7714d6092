package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service is the authentication policy engine.
type Service interface {
	SignUp(ctx context.Context, req SignUpRequest) (*SignUpResult, error)
	SignInWithCredentials(ctx context.Context, req CredentialsSignInRequest) (*SignInResult, error)
	SignInWithIdentity(ctx context.Context, identity ExternalIdentity, opts SessionOptions) (*SignInResult, error)
	IssueSession(ctx context.Context, userID snowflake.ID, method string, opts SessionOptions) (*SessionResult, error)
	SignOut(ctx context.Context, rawToken string) error
	Authenticate(ctx context.Context, rawToken string) (*Session, error)

	ListSessions(ctx context.Context, current *Session) ([]SessionView, error)
	RevokeSession(ctx context.Context, current *Session, sessionID snowflake.ID) (*RevokeResult, error)
	RevokeOtherSessions(ctx context.Context, current *Session) (int64, error)
	RevokeAllSessions(ctx context.Context, current *Session) (*RevokeResult, error)
	UpdateActiveOrganization(ctx context.Context, sessionID snowflake.ID, orgID *snowflake.ID) error

	RequestPasswordReset(ctx context.Context, email string, redirectTo string) error
	ResetPassword(ctx context.Context, rawToken string, newPassword string) error
	SendVerificationEmail(ctx context.Context, email string, callbackURL string) error
	VerifyEmail(ctx context.Context, rawToken string) (*User, error)

	SendMagicLink(ctx context.Context, email string, callbackURL string) error
	SignInWithMagicLink(ctx context.Context, rawToken string, opts SessionOptions) (*SignInResult, error)
	SendSignInOtp(ctx context.Context, email string) error
	SignInWithEmailOtp(ctx context.Context, email string, code string, opts SessionOptions) (*SignInResult, error)

	GetUser(ctx context.Context, userID snowflake.ID) (*User, error)
	VerifyPassword(ctx context.Context, userID snowflake.ID, password string) (*User, error)
	ChangePassword(ctx context.Context, current *Session, req ChangePasswordRequest) error
	UpdateUser(ctx context.Context, userID snowflake.ID, req UpdateUserRequest) (*User, error)
	DeleteUser(ctx context.Context, current *Session, password string) error
}

type SignUpRequest struct {
	Name        string
	Email       string
	Password    string
	Image       *string
	CallbackURL string
	Session     SessionOptions
}

type SignUpResult struct {
	User *User
	// Session is nil when email verification is required before sign-in.
	Session *SessionResult
}

type CredentialsSignInRequest struct {
	Email              string
	Password           string
	RememberMe         bool
	UserAgent          string
	IPAddress          string
	TrustedDeviceToken string
}

// SessionOptions carries client metadata and the remember-me choice.
type SessionOptions struct {
	RememberMe bool
	UserAgent  string
	IPAddress  string
	// TrustedDeviceToken skips the second factor when it was issued to the
	// same user after a successful two-factor verification.
	TrustedDeviceToken string
}

type SessionResult struct {
	User      *User
	Session   *Session
	RawToken  string
	ExpiresAt time.Time
	// Persistent is false for browser-session scoped tokens.
	Persistent bool
}

// SignInResult holds either a session or a pending second-factor challenge.
type SignInResult struct {
	Session            *SessionResult
	TwoFactorRequired  bool
	ChallengeToken     string
	ChallengeExpiresAt time.Time
	// RedirectURL is set by link based flows that carry a callback.
	RedirectURL string
}

type RevokeResult struct {
	Revoked bool
	// SignedOut is set when the caller's own session was revoked and the
	// client must drop its credentials.
	SignedOut bool
}

type ExternalIdentity struct {
	ProviderID  string
	AccountID   string
	Email       string
	Name        string
	Image       string
	AllowSignUp bool
}

type ChangePasswordRequest struct {
	CurrentPassword     string
	NewPassword         string
	RevokeOtherSessions bool
}

type UpdateUserRequest struct {
	Name  *string
	Image *string
}

// Sign-in methods recorded with each session.
const (
	MethodPassword  = "password"
	MethodPasskey   = "passkey"
	MethodSocial    = "social"
	MethodMagicLink = "magic_link"
	MethodEmailOTP  = "email_otp"
	MethodTwoFactor = "two_factor"
)
