package service

import (
	"context"
	"errors"
	"net/url"

	"github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/providers/email"
	"go.uber.org/zap"
)

const otpDigits = 6

type magicLinkPayload struct {
	Email       string `json:"email"`
	CallbackURL string `json:"callback_url"`
}

// SendMagicLink mails a single-use sign-in link to registered addresses.
func (s *Service) SendMagicLink(ctx context.Context, emailAddr string, callbackURL string) error {
	target, err := s.redirects.Resolve(callbackURL, "/")
	if err != nil {
		return err
	}
	normalized, err := normalizeEmail(emailAddr)
	if err != nil {
		return domain.ErrInvalidEmail
	}
	if _, err := s.repo.FindByEmail(ctx, normalized); err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			s.log.Error("magic link lookup failed", zap.Error(err))
		}
		return nil
	}

	ttl := s.policy.Get().MagicLinkTTL
	raw, err := s.tokens.Issue(ctx, token.PurposeMagicLink, magicLinkPayload{Email: normalized, CallbackURL: target}, ttl)
	if err != nil {
		return wrapTokenErr(err)
	}
	s.notifier.Send(ctx, normalized, email.TemplateMagicLink, map[string]any{
		"URL":       s.redirects.Link("/api/auth/magic-link/verify", url.Values{"token": {raw}}),
		"ExpiresIn": humanDuration(ttl),
	})
	return nil
}

func (s *Service) SignInWithMagicLink(ctx context.Context, rawToken string, opts domain.SessionOptions) (*domain.SignInResult, error) {
	var payload magicLinkPayload
	if err := s.tokens.Consume(ctx, token.PurposeMagicLink, rawToken, &payload); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			s.authMetrics.RecordTokenRejected(string(token.PurposeMagicLink))
			return nil, domain.ErrInvalidOrExpiredToken
		}
		return nil, wrapTokenErr(err)
	}

	user, err := s.repo.FindByEmail(ctx, payload.Email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidOrExpiredToken
		}
		return nil, err
	}
	if err := s.markVerified(ctx, user); err != nil {
		return nil, err
	}
	result, err := s.completeSignIn(ctx, user, domain.MethodMagicLink, opts)
	if err != nil {
		return nil, err
	}
	result.RedirectURL = payload.CallbackURL
	return result, nil
}

// SendSignInOtp mails a one-time sign-in code to registered addresses. A new
// request replaces any outstanding code for the address.
func (s *Service) SendSignInOtp(ctx context.Context, emailAddr string) error {
	normalized, err := normalizeEmail(emailAddr)
	if err != nil {
		return domain.ErrInvalidEmail
	}
	if _, err := s.repo.FindByEmail(ctx, normalized); err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			s.log.Error("sign-in otp lookup failed", zap.Error(err))
		}
		return nil
	}

	ttl := s.policy.Get().OTPTTL
	code, err := s.tokens.IssueCode(ctx, token.PurposeSignInOTP, normalized, otpDigits, ttl)
	if err != nil {
		return wrapTokenErr(err)
	}
	s.notifier.Send(ctx, normalized, email.TemplateOTP, map[string]any{
		"Code":      code,
		"ExpiresIn": humanDuration(ttl),
	})
	return nil
}

func (s *Service) SignInWithEmailOtp(ctx context.Context, emailAddr string, code string, opts domain.SessionOptions) (*domain.SignInResult, error) {
	normalized, err := normalizeEmail(emailAddr)
	if err != nil {
		return nil, domain.ErrInvalidOtp
	}

	policy := s.policy.Get()
	if err := s.tokens.VerifyCode(ctx, token.PurposeSignInOTP, normalized, code, policy.OTPMaxAttempts, policy.OTPTTL); err != nil {
		err = codeError(err)
		if errors.Is(err, domain.ErrInvalidOtp) {
			s.authMetrics.RecordTokenRejected(string(token.PurposeSignInOTP))
		}
		return nil, err
	}

	user, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidOtp
		}
		return nil, err
	}
	if err := s.markVerified(ctx, user); err != nil {
		return nil, err
	}
	return s.completeSignIn(ctx, user, domain.MethodEmailOTP, opts)
}

// codeError maps token store failures for code redemption.
func codeError(err error) error {
	switch {
	case errors.Is(err, token.ErrNotFound),
		errors.Is(err, token.ErrCodeMismatch),
		errors.Is(err, token.ErrTooManyAttempts):
		return domain.ErrInvalidOtp
	default:
		return wrapTokenErr(err)
	}
}

func (s *Service) markVerified(ctx context.Context, user *domain.User) error {
	if user.EmailVerified {
		return nil
	}
	if err := s.repo.UpdateFields(ctx, user.ID, map[string]any{"email_verified": true, "updated_at": s.clock.Now().UTC()}); err != nil {
		return err
	}
	user.EmailVerified = true
	return nil
}
