package domain

import "errors"

var (
	ErrInvalidCredentials     = errors.New("invalid_credentials")
	ErrEmailNotVerified       = errors.New("email_not_verified")
	ErrInvalidOrExpiredToken  = errors.New("invalid_or_expired_token")
	ErrInvalidOtp             = errors.New("invalid_otp")
	ErrPasskeyAuthFailed      = errors.New("passkey_auth_failed")
	ErrInvalidState           = errors.New("invalid_state")
	ErrServiceUnavailable     = errors.New("service_unavailable")
	ErrUserNotFound           = errors.New("user_not_found")
	ErrUserExists             = errors.New("user_exists")
	ErrSessionNotFound        = errors.New("session_not_found")
	ErrSessionExpired         = errors.New("session_expired")
	ErrSessionRevoked         = errors.New("session_revoked")
	ErrInvalidSession         = errors.New("invalid_session")
	ErrInvalidEmail           = errors.New("invalid_email")
	ErrInvalidName            = errors.New("invalid_name")
	ErrWeakPassword           = errors.New("weak_password")
	ErrInvalidCallbackURL     = errors.New("invalid_callback_url")
	ErrAccountDeletionBlocked = errors.New("account_deletion_disabled")
	ErrSignUpDisabled         = errors.New("sign_up_disabled")
	ErrOwnsOrganization       = errors.New("owns_organization")
	ErrInvalidRequest         = errors.New("invalid_request")
)
