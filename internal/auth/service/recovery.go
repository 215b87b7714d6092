package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	"github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/password"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/auth/secret"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/providers/email"
	"go.uber.org/zap"
)

const verificationAudience = "email_verification"

type resetPayload struct {
	UserID string `json:"user_id"`
}

type verificationClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// RequestPasswordReset always succeeds for well formed requests. Whether the
// address is registered is never observable by the caller.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string, redirectTo string) error {
	target, err := s.redirects.Resolve(redirectTo, "/reset-password")
	if err != nil {
		return err
	}

	normalized, err := normalizeEmail(emailAddr)
	if err != nil {
		return nil
	}

	user, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			s.log.Error("password reset lookup failed", zap.Error(err))
		}
		return nil
	}

	ttl := s.policy.Get().ResetTokenTTL
	raw, err := s.tokens.Issue(ctx, token.PurposePasswordReset, resetPayload{UserID: user.ID.String()}, ttl)
	if err != nil {
		s.log.Error("failed to issue password reset token", zap.Error(err))
		return nil
	}

	s.notifier.Send(ctx, user.Email, email.TemplateResetPassword, map[string]any{
		"URL":       redirect.WithQuery(target, url.Values{"token": {raw}}),
		"ExpiresIn": humanDuration(ttl),
	})
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, rawToken string, newPassword string) error {
	if err := checkPassword(newPassword, s.policy.Get().MinPasswordLength); err != nil {
		return err
	}

	var payload resetPayload
	if err := s.tokens.Consume(ctx, token.PurposePasswordReset, rawToken, &payload); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			s.authMetrics.RecordTokenRejected(string(token.PurposePasswordReset))
			return domain.ErrInvalidOrExpiredToken
		}
		return wrapTokenErr(err)
	}

	userID, err := snowflake.ParseString(payload.UserID)
	if err != nil {
		return domain.ErrInvalidOrExpiredToken
	}

	hashed, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if err := s.repo.UpdateFields(ctx, userID, map[string]any{
		"password_hash":         hashed,
		"last_password_changed": now,
		"updated_at":            now,
	}); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.ErrInvalidOrExpiredToken
		}
		return err
	}

	count, err := s.sessionRepo.RevokeUserSessions(ctx, userID, nil, now)
	if err != nil {
		return err
	}
	s.metrics.RecordSessionRevoked(ctx, "password_reset", count)
	s.audit(ctx, userID, auditdomain.ActionPasswordReset, map[string]any{"sessions_revoked": count})
	return nil
}

// SendVerificationEmail succeeds whether or not the address is registered.
func (s *Service) SendVerificationEmail(ctx context.Context, emailAddr string, callbackURL string) error {
	target, err := s.redirects.Resolve(callbackURL, "/")
	if err != nil {
		return err
	}
	normalized, err := normalizeEmail(emailAddr)
	if err != nil {
		return nil
	}
	user, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			s.log.Error("verification lookup failed", zap.Error(err))
		}
		return nil
	}
	if user.EmailVerified {
		return nil
	}
	s.sendVerification(ctx, user, target)
	return nil
}

func (s *Service) sendVerification(ctx context.Context, user *domain.User, callbackURL string) {
	ttl := s.policy.Get().VerificationTokenTTL
	signed, err := s.signVerificationToken(user, ttl)
	if err != nil {
		s.log.Error("failed to sign verification token", zap.Error(err))
		return
	}
	link := s.redirects.Link("/api/auth/verify-email", url.Values{
		"token":       {signed},
		"callbackURL": {callbackURL},
	})
	s.notifier.Send(ctx, user.Email, email.TemplateVerifyEmail, map[string]any{
		"Email":     user.Email,
		"URL":       link,
		"ExpiresIn": humanDuration(ttl),
	})
}

func (s *Service) signVerificationToken(user *domain.User, ttl time.Duration) (string, error) {
	now := s.clock.Now().UTC()
	claims := verificationClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{verificationAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.keyring.Derive(secret.LabelEmailVerification))
}

func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (*domain.User, error) {
	var claims verificationClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		return s.keyring.Derive(secret.LabelEmailVerification), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(verificationAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		s.authMetrics.RecordTokenRejected(string(token.PurposeEmailVerification))
		return nil, domain.ErrInvalidOrExpiredToken
	}

	userID, err := snowflake.ParseString(claims.Subject)
	if err != nil {
		return nil, domain.ErrInvalidOrExpiredToken
	}
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidOrExpiredToken
		}
		return nil, err
	}
	// A token minted for a previous address must not verify the new one.
	if user.Email != claims.Email {
		return nil, domain.ErrInvalidOrExpiredToken
	}
	if user.EmailVerified {
		return user, nil
	}

	now := s.clock.Now().UTC()
	if err := s.repo.UpdateFields(ctx, user.ID, map[string]any{"email_verified": true, "updated_at": now}); err != nil {
		return nil, err
	}
	user.EmailVerified = true
	s.audit(ctx, user.ID, auditdomain.ActionEmailVerified, nil)
	return user, nil
}

func (s *Service) ChangePassword(ctx context.Context, current *domain.Session, req domain.ChangePasswordRequest) error {
	if current == nil {
		return domain.ErrInvalidSession
	}
	user, err := s.repo.FindByID(ctx, current.UserID)
	if err != nil {
		return err
	}
	if !user.HasPassword() || !password.Verify(req.CurrentPassword, *user.PasswordHash) {
		return domain.ErrInvalidCredentials
	}
	if err := checkPassword(req.NewPassword, s.policy.Get().MinPasswordLength); err != nil {
		return err
	}

	hashed, err := s.hashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if err := s.repo.UpdateFields(ctx, user.ID, map[string]any{
		"password_hash":         hashed,
		"last_password_changed": now,
		"updated_at":            now,
	}); err != nil {
		return err
	}

	metadata := map[string]any{"revoke_other_sessions": req.RevokeOtherSessions}
	if req.RevokeOtherSessions {
		count, err := s.sessionRepo.RevokeUserSessions(ctx, user.ID, &current.ID, now)
		if err != nil {
			return err
		}
		s.metrics.RecordSessionRevoked(ctx, "password_change", count)
		metadata["sessions_revoked"] = count
	}
	s.audit(ctx, user.ID, auditdomain.ActionPasswordChanged, metadata)
	return nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return strconv.Itoa(h) + " hours"
	case d >= time.Minute:
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return strconv.Itoa(m) + " minutes"
	default:
		return d.String()
	}
}
