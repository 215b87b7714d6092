package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/oauth"
	"github.com/smallbiznis/workspace/internal/auth/passkey"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/authorization"
	invitationdomain "github.com/smallbiznis/workspace/internal/invitation/domain"
	orgdomain "github.com/smallbiznis/workspace/internal/organization/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrNoActiveOrg        = errors.New("no_active_organization")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

const (
	typeUnauthorized       = "unauthorized"
	typeForbidden          = "forbidden"
	typeNotFound           = "not_found"
	typeConflict           = "conflict"
	typeInvalidState       = "invalid_state"
	typeValidation         = "validation_error"
	typeRateLimited        = "rate_limited"
	typeServiceUnavailable = "service_unavailable"
	typeInternal           = "internal_error"
)

type errorClass struct {
	status int
	kind   string
}

// wireCodes overrides the sentinel text for errors owned by other packages.
var wireCodes = map[error]string{
	gorm.ErrRecordNotFound:   "not_found",
	token.ErrUnavailable:     "service_unavailable",
	context.DeadlineExceeded: "service_unavailable",
}

// errorClasses maps every domain sentinel to its HTTP class. The sentinel
// text becomes the wire code.
var errorClasses = []struct {
	err   error
	class errorClass
}{
	{ErrUnauthorized, errorClass{http.StatusUnauthorized, typeUnauthorized}},
	{authdomain.ErrInvalidCredentials, errorClass{http.StatusUnauthorized, typeUnauthorized}},
	{authdomain.ErrInvalidSession, errorClass{http.StatusUnauthorized, typeUnauthorized}},
	{authdomain.ErrSessionExpired, errorClass{http.StatusUnauthorized, typeUnauthorized}},
	{authdomain.ErrSessionRevoked, errorClass{http.StatusUnauthorized, typeUnauthorized}},
	{authdomain.ErrPasskeyAuthFailed, errorClass{http.StatusUnauthorized, typeUnauthorized}},
	{authdomain.ErrInvalidOtp, errorClass{http.StatusUnauthorized, typeUnauthorized}},

	{ErrForbidden, errorClass{http.StatusForbidden, typeForbidden}},
	{authorization.ErrForbidden, errorClass{http.StatusForbidden, typeForbidden}},
	{authorization.ErrNotMember, errorClass{http.StatusForbidden, typeForbidden}},
	{authdomain.ErrEmailNotVerified, errorClass{http.StatusForbidden, typeForbidden}},
	{authdomain.ErrSignUpDisabled, errorClass{http.StatusForbidden, typeForbidden}},
	{authdomain.ErrAccountDeletionBlocked, errorClass{http.StatusForbidden, typeForbidden}},
	{invitationdomain.ErrRecipientMismatch, errorClass{http.StatusForbidden, typeForbidden}},
	{oauth.ErrUnverifiedEmail, errorClass{http.StatusForbidden, typeForbidden}},
	{ErrNoActiveOrg, errorClass{http.StatusForbidden, typeForbidden}},

	{ErrNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{authdomain.ErrUserNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{authdomain.ErrSessionNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{orgdomain.ErrOrganizationNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{orgdomain.ErrMemberNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{invitationdomain.ErrNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{passkey.ErrNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{oauth.ErrProviderNotFound, errorClass{http.StatusNotFound, typeNotFound}},
	{gorm.ErrRecordNotFound, errorClass{http.StatusNotFound, typeNotFound}},

	{authdomain.ErrInvalidState, errorClass{http.StatusConflict, typeInvalidState}},
	{invitationdomain.ErrInvalidState, errorClass{http.StatusConflict, typeInvalidState}},
	{authdomain.ErrUserExists, errorClass{http.StatusConflict, typeConflict}},
	{authdomain.ErrOwnsOrganization, errorClass{http.StatusConflict, typeConflict}},
	{orgdomain.ErrSlugTaken, errorClass{http.StatusConflict, typeConflict}},
	{orgdomain.ErrAlreadyMember, errorClass{http.StatusConflict, typeConflict}},
	{invitationdomain.ErrAlreadyMember, errorClass{http.StatusConflict, typeConflict}},
	{invitationdomain.ErrDuplicateInvitation, errorClass{http.StatusConflict, typeConflict}},

	{ErrInvalidRequest, errorClass{http.StatusBadRequest, typeValidation}},
	{authdomain.ErrInvalidRequest, errorClass{http.StatusBadRequest, typeValidation}},
	{authdomain.ErrInvalidOrExpiredToken, errorClass{http.StatusBadRequest, typeValidation}},
	{authdomain.ErrInvalidEmail, errorClass{http.StatusBadRequest, typeValidation}},
	{authdomain.ErrInvalidName, errorClass{http.StatusBadRequest, typeValidation}},
	{authdomain.ErrWeakPassword, errorClass{http.StatusBadRequest, typeValidation}},
	{authdomain.ErrInvalidCallbackURL, errorClass{http.StatusBadRequest, typeValidation}},
	{authorization.ErrInvalidRole, errorClass{http.StatusBadRequest, typeValidation}},
	{authorization.ErrInvalidAction, errorClass{http.StatusBadRequest, typeValidation}},
	{authorization.ErrInvalidActor, errorClass{http.StatusBadRequest, typeValidation}},
	{authorization.ErrInvalidOrganization, errorClass{http.StatusBadRequest, typeValidation}},
	{orgdomain.ErrInvalidName, errorClass{http.StatusBadRequest, typeValidation}},
	{orgdomain.ErrInvalidSlug, errorClass{http.StatusBadRequest, typeValidation}},
	{orgdomain.ErrInvalidUser, errorClass{http.StatusBadRequest, typeValidation}},
	{orgdomain.ErrInvalidOrganization, errorClass{http.StatusBadRequest, typeValidation}},
	{invitationdomain.ErrInvalidEmail, errorClass{http.StatusBadRequest, typeValidation}},
	{passkey.ErrRegistrationFailed, errorClass{http.StatusBadRequest, typeValidation}},
	{oauth.ErrInvalidState, errorClass{http.StatusBadRequest, typeValidation}},
	{oauth.ErrExchangeFailed, errorClass{http.StatusBadRequest, typeValidation}},
	{auditdomain.ErrInvalidOrganization, errorClass{http.StatusBadRequest, typeValidation}},
	{auditdomain.ErrInvalidPageToken, errorClass{http.StatusBadRequest, typeValidation}},
	{auditdomain.ErrInvalidTimeRange, errorClass{http.StatusBadRequest, typeValidation}},
	{auditdomain.ErrInvalidAction, errorClass{http.StatusBadRequest, typeValidation}},

	{ErrRateLimited, errorClass{http.StatusTooManyRequests, typeRateLimited}},
	{token.ErrTooManyAttempts, errorClass{http.StatusTooManyRequests, typeRateLimited}},

	{ErrServiceUnavailable, errorClass{http.StatusServiceUnavailable, typeServiceUnavailable}},
	{authdomain.ErrServiceUnavailable, errorClass{http.StatusServiceUnavailable, typeServiceUnavailable}},
	{token.ErrUnavailable, errorClass{http.StatusServiceUnavailable, typeServiceUnavailable}},
	{context.DeadlineExceeded, errorClass{http.StatusServiceUnavailable, typeServiceUnavailable}},
}

var errorMessages = map[string]string{
	"unauthorized":                "authentication required",
	"invalid_credentials":         "invalid email or password",
	"invalid_session":             "session is not valid",
	"session_expired":             "session has expired",
	"session_revoked":             "session has been revoked",
	"passkey_auth_failed":         "passkey authentication failed",
	"invalid_otp":                 "invalid or expired code",
	"forbidden":                   "you are not allowed to perform this action",
	"not_member":                  "you are not a member of this organization",
	"email_not_verified":          "email address is not verified",
	"sign_up_disabled":            "sign up is disabled",
	"account_deletion_disabled":   "account deletion is disabled",
	"recipient_mismatch":          "this invitation was sent to a different email address",
	"unverified_email":            "the provider did not verify this email address",
	"no_active_organization":      "no active organization",
	"invalid_state":               "the resource is not in a valid state for this action",
	"user_exists":                 "a user with this email already exists",
	"owns_organization":           "transfer or delete your organizations first",
	"slug_taken":                  "slug is already taken",
	"already_member":              "user is already a member of this organization",
	"duplicate_invitation":        "a pending invitation already exists for this email",
	"invalid_or_expired_token":    "invalid or expired token",
	"weak_password":               "password is too short",
	"invalid_callback_url":        "callback url is not allowed",
	"invalid_slug":                "slug may only contain lowercase letters, numbers and hyphens",
	"invalid_role":                "role must be admin or member",
	"passkey_registration_failed": "passkey registration failed",
	"invalid_oauth_state":         "invalid or expired sign-in state",
	"oauth_exchange_failed":       "could not complete sign-in with the provider",
	"not_found":                   "resource not found",
	"user_not_found":              "user not found",
	"session_not_found":           "session not found",
	"organization_not_found":      "organization not found",
	"member_not_found":            "member not found",
	"invitation_not_found":        "invitation not found",
	"passkey_not_found":           "passkey not found",
	"provider_not_found":          "sign-in provider not found",
	"invalid_request":             "invalid request",
	"invalid_email":               "email address is not valid",
	"invalid_name":                "name is not valid",
	"invalid_user":                "user is not valid",
	"invalid_organization":        "organization is not valid",
	"invalid_action":              "action is not valid",
	"invalid_actor":               "actor is not valid",
	"invalid_page_token":          "page token is not valid",
	"invalid_time_range":          "time range is not valid",
	"rate_limited":                "too many requests",
	"too_many_attempts":           "too many attempts",
	"service_unavailable":         "service temporarily unavailable",
	"internal_error":              "internal server error",
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		payload := errorPayload{
			Type:    typeValidation,
			Code:    "invalid_request",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
		if len(vErr.Errors) > 0 {
			payload.Code = vErr.Errors[0].Code
			payload.Message = vErr.Errors[0].Message
		}
		return http.StatusBadRequest, payload
	}

	if err != nil {
		for _, entry := range errorClasses {
			if errors.Is(err, entry.err) {
				code, ok := wireCodes[entry.err]
				if !ok {
					code = entry.err.Error()
				}
				return entry.class.status, newPayload(entry.class.kind, code)
			}
		}
		if isTransient(err) {
			return http.StatusServiceUnavailable, newPayload(typeServiceUnavailable, "service_unavailable")
		}
	}

	return http.StatusInternalServerError, newPayload(typeInternal, "internal_error")
}

func newPayload(kind, code string) errorPayload {
	message, ok := errorMessages[code]
	if !ok {
		message = "invalid value"
	}
	return errorPayload{Type: kind, Code: code, Message: message}
}

// isTransient reports dependency outages that a retry may fix.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}
