// Package mfa drives TOTP enrollment and second-factor verification.
package mfa

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/secret"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/observability/metrics"
	"github.com/smallbiznis/workspace/internal/providers/email"
	"github.com/smallbiznis/workspace/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const otpDigits = 6

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Auth        authdomain.Service
	Tokens      *token.Store
	Keyring     *secret.Keyring
	Policy      *config.PolicyHolder
	Clock       clock.Clock
	GenID       *snowflake.Node
	Notifier    *email.Notifier      `optional:"true"`
	AuditSvc    auditdomain.Service  `optional:"true"`
	AuthMetrics *metrics.AuthMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	repo        *repository
	log         *zap.Logger
	auth        authdomain.Service
	tokens      *token.Store
	sealer      *sealer
	policy      *config.PolicyHolder
	clock       clock.Clock
	genID       *snowflake.Node
	notifier    *email.Notifier
	auditSvc    auditdomain.Service
	authMetrics *metrics.AuthMetrics
}

func NewService(p Params) (*Service, error) {
	s, err := newSealer(p.Keyring.Derive(secret.LabelTOTPEncryption))
	if err != nil {
		return nil, err
	}
	return &Service{
		db:          p.DB,
		repo:        &repository{db: p.DB},
		log:         p.Log.Named("auth.mfa"),
		auth:        p.Auth,
		tokens:      p.Tokens,
		sealer:      s,
		policy:      p.Policy,
		clock:       p.Clock,
		genID:       p.GenID,
		notifier:    p.Notifier,
		auditSvc:    p.AuditSvc,
		authMetrics: p.AuthMetrics,
	}, nil
}

func (s *Service) State(ctx context.Context, userID snowflake.ID) (State, error) {
	user, err := s.auth.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	row, err := s.repo.find(ctx, userID)
	if err != nil {
		return "", err
	}
	return row.state(user.TwoFactorEnabled), nil
}

// Enable checks the password and stores a fresh pending secret. Two-factor
// stays off until ConfirmEnable verifies a code from the new secret.
func (s *Service) Enable(ctx context.Context, userID snowflake.ID, password string) (*EnableResult, error) {
	user, err := s.auth.VerifyPassword(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, authdomain.ErrInvalidState
	}

	key, err := generateKey(s.policy.Get().TOTPIssuer, user.Email)
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.seal(key.Secret(), userID.String())
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	row, err := s.repo.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	created := false
	if row == nil {
		err = s.db.WithContext(ctx).Create(&TwoFactor{
			ID:            s.genID.Generate(),
			UserID:        userID,
			PendingSecret: &sealed,
			PendingSince:  &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}).Error
		switch {
		case err == nil:
			created = true
		case !db.IsDuplicateKeyErr(err):
			return nil, err
		}
	}
	if !created {
		err = s.db.WithContext(ctx).Model(&TwoFactor{}).Where("user_id = ?", userID).Updates(map[string]any{
			"pending_secret": sealed,
			"pending_since":  now,
			"updated_at":     now,
		}).Error
		if err != nil {
			return nil, err
		}
	}

	s.authMetrics.RecordMFATransition(string(StateDisabled), string(StateAwaitingOtpConfirmation))
	return &EnableResult{TotpURI: key.URL()}, nil
}

// ConfirmEnable promotes the pending secret once code verifies against it.
// A wrong code leaves the pending secret in place.
func (s *Service) ConfirmEnable(ctx context.Context, userID snowflake.ID, code string) (*ConfirmResult, error) {
	row, err := s.repo.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.PendingSecret == nil {
		return nil, authdomain.ErrInvalidState
	}
	secretValue, err := s.sealer.open(*row.PendingSecret, userID.String())
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	step, ok := matchStep(secretValue, code, now)
	if !ok {
		s.authMetrics.RecordTokenRejected("totp_enrollment")
		return nil, authdomain.ErrInvalidOtp
	}

	codes, digests, err := newBackupCodes(s.policy.Get().BackupCodeCount)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TwoFactor{}).
			Where("id = ? AND pending_secret = ?", row.ID, *row.PendingSecret).
			Updates(map[string]any{
				"secret":         *row.PendingSecret,
				"pending_secret": nil,
				"pending_since":  nil,
				"backup_codes":   jsonSlice(digests),
				"last_used_step": step,
				"revision":       gorm.Expr("revision + 1"),
				"enabled_at":     now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return authdomain.ErrInvalidState
		}
		return s.repo.setUserEnabled(tx, userID, true)
	})
	if err != nil {
		return nil, err
	}

	s.authMetrics.RecordMFATransition(string(StateAwaitingOtpConfirmation), string(StateEnabled))
	s.audit(ctx, userID, auditdomain.ActionTwoFactorEnabled)
	return &ConfirmResult{BackupCodes: codes}, nil
}

func (s *Service) GetTotpURI(ctx context.Context, userID snowflake.ID, password string) (string, error) {
	user, err := s.auth.VerifyPassword(ctx, userID, password)
	if err != nil {
		return "", err
	}
	row, err := s.enabledRow(ctx, user)
	if err != nil {
		return "", err
	}
	secretValue, err := s.sealer.open(*row.Secret, userID.String())
	if err != nil {
		return "", err
	}
	return keyURI(s.policy.Get().TOTPIssuer, user.Email, secretValue)
}

// Disable turns two-factor off, or abandons an enrollment in progress.
// Only the password is required.
func (s *Service) Disable(ctx context.Context, userID snowflake.ID, password string) error {
	user, err := s.auth.VerifyPassword(ctx, userID, password)
	if err != nil {
		return err
	}
	row, err := s.repo.find(ctx, userID)
	if err != nil {
		return err
	}
	from := row.state(user.TwoFactorEnabled)
	if from == StateDisabled && !user.TwoFactorEnabled {
		return authdomain.ErrInvalidState
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&TwoFactor{}).Error; err != nil {
			return err
		}
		return s.repo.setUserEnabled(tx, userID, false)
	})
	if err != nil {
		return err
	}

	s.authMetrics.RecordMFATransition(string(from), string(StateDisabled))
	if from == StateEnabled {
		s.audit(ctx, userID, auditdomain.ActionTwoFactorDisabled)
	}
	return nil
}

// GenerateBackupCodes replaces every backup code of an enabled user.
func (s *Service) GenerateBackupCodes(ctx context.Context, userID snowflake.ID, password string) ([]string, error) {
	user, err := s.auth.VerifyPassword(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	row, err := s.enabledRow(ctx, user)
	if err != nil {
		return nil, err
	}
	codes, digests, err := newBackupCodes(s.policy.Get().BackupCodeCount)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&TwoFactor{}).Where("id = ?", row.ID).Updates(map[string]any{
		"backup_codes": jsonSlice(digests),
		"revision":     gorm.Expr("revision + 1"),
		"updated_at":   s.clock.Now().UTC(),
	}).Error
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *Service) VerifyTotp(ctx context.Context, challengeToken, code string, trustDevice bool) (*VerifyResult, error) {
	challenge, userID, err := s.loadChallenge(ctx, challengeToken)
	if err != nil {
		return nil, err
	}
	row, err := s.repo.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Secret == nil {
		return nil, authdomain.ErrInvalidState
	}
	secretValue, err := s.sealer.open(*row.Secret, userID.String())
	if err != nil {
		return nil, err
	}

	step, ok := matchStep(secretValue, code, s.clock.Now().UTC())
	if !ok || step <= row.LastUsedStep {
		return nil, s.failure(ctx, challengeToken, token.PurposeTwoFactor)
	}
	res := s.db.WithContext(ctx).Model(&TwoFactor{}).
		Where("id = ? AND last_used_step < ?", row.ID, step).
		Update("last_used_step", step)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, s.failure(ctx, challengeToken, token.PurposeTwoFactor)
	}

	return s.finish(ctx, challengeToken, challenge, userID, trustDevice)
}

func (s *Service) VerifyBackupCode(ctx context.Context, challengeToken, code string, trustDevice bool) (*VerifyResult, error) {
	challenge, userID, err := s.loadChallenge(ctx, challengeToken)
	if err != nil {
		return nil, err
	}
	row, err := s.repo.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Secret == nil {
		return nil, authdomain.ErrInvalidState
	}

	digest := digestBackupCode(code)
	remaining := make([]string, 0, len(row.BackupCodes))
	found := false
	for _, d := range row.BackupCodes {
		if !found && token.Equal(d, digest) {
			found = true
			continue
		}
		remaining = append(remaining, d)
	}
	if !found {
		return nil, s.failure(ctx, challengeToken, token.PurposeTwoFactor)
	}

	res := s.db.WithContext(ctx).Model(&TwoFactor{}).
		Where("id = ? AND revision = ?", row.ID, row.Revision).
		Updates(map[string]any{
			"backup_codes": jsonSlice(remaining),
			"revision":     gorm.Expr("revision + 1"),
			"updated_at":   s.clock.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, authdomain.ErrInvalidOtp
	}

	return s.finish(ctx, challengeToken, challenge, userID, trustDevice)
}

// SendOtp mails a one-time code bound to the pending challenge.
func (s *Service) SendOtp(ctx context.Context, challengeToken string) error {
	_, userID, err := s.loadChallenge(ctx, challengeToken)
	if err != nil {
		return err
	}
	user, err := s.auth.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	ttl := s.policy.Get().OTPTTL
	code, err := s.tokens.IssueCode(ctx, token.PurposeTwoFactorOTP, challengeToken, otpDigits, ttl)
	if err != nil {
		return wrapTokenErr(err)
	}
	s.notifier.Send(ctx, user.Email, email.TemplateOTP, map[string]any{
		"Code":      code,
		"ExpiresIn": fmt.Sprintf("%d minutes", int(ttl.Minutes())),
	})
	return nil
}

func (s *Service) VerifyOtp(ctx context.Context, challengeToken, code string, trustDevice bool) (*VerifyResult, error) {
	challenge, userID, err := s.loadChallenge(ctx, challengeToken)
	if err != nil {
		return nil, err
	}
	policy := s.policy.Get()
	if err := s.tokens.VerifyCode(ctx, token.PurposeTwoFactorOTP, challengeToken, code, policy.OTPMaxAttempts, policy.OTPTTL); err != nil {
		switch {
		case errors.Is(err, token.ErrNotFound),
			errors.Is(err, token.ErrCodeMismatch),
			errors.Is(err, token.ErrTooManyAttempts):
			s.authMetrics.RecordTokenRejected(string(token.PurposeTwoFactorOTP))
			return nil, authdomain.ErrInvalidOtp
		default:
			return nil, wrapTokenErr(err)
		}
	}
	return s.finish(ctx, challengeToken, challenge, userID, trustDevice)
}

func (s *Service) loadChallenge(ctx context.Context, raw string) (*authdomain.TwoFactorChallenge, snowflake.ID, error) {
	var challenge authdomain.TwoFactorChallenge
	if err := s.tokens.Get(ctx, token.PurposeTwoFactor, raw, &challenge); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, 0, authdomain.ErrInvalidOrExpiredToken
		}
		return nil, 0, wrapTokenErr(err)
	}
	userID, err := snowflake.ParseString(challenge.UserID)
	if err != nil {
		return nil, 0, authdomain.ErrInvalidOrExpiredToken
	}
	return &challenge, userID, nil
}

// failure counts a wrong code against the challenge; the challenge is
// dropped once the attempt limit is reached.
func (s *Service) failure(ctx context.Context, challengeToken string, purpose token.Purpose) error {
	s.authMetrics.RecordTokenRejected(string(purpose))
	policy := s.policy.Get()
	err := s.tokens.RecordFailure(ctx, purpose, challengeToken, policy.OTPMaxAttempts, policy.ChallengeTTL)
	if err != nil && !errors.Is(err, token.ErrTooManyAttempts) {
		return wrapTokenErr(err)
	}
	return authdomain.ErrInvalidOtp
}

func (s *Service) finish(ctx context.Context, challengeToken string, challenge *authdomain.TwoFactorChallenge, userID snowflake.ID, trustDevice bool) (*VerifyResult, error) {
	if err := s.tokens.Consume(ctx, token.PurposeTwoFactor, challengeToken, nil); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, authdomain.ErrInvalidOrExpiredToken
		}
		return nil, wrapTokenErr(err)
	}
	_ = s.tokens.Delete(ctx, token.PurposeTwoFactorOTP, challengeToken)

	session, err := s.auth.IssueSession(ctx, userID, authdomain.MethodTwoFactor, authdomain.SessionOptions{
		RememberMe: challenge.RememberMe,
		UserAgent:  challenge.UserAgent,
		IPAddress:  challenge.IPAddress,
	})
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Session: session}
	if trustDevice {
		ttl := s.policy.Get().TrustDeviceTTL
		raw, err := s.tokens.Issue(ctx, token.PurposeTrustedDevice, authdomain.TrustedDevice{UserID: userID.String()}, ttl)
		if err != nil {
			s.log.Warn("failed to issue trusted device token", zap.Error(err))
		} else {
			result.TrustedDeviceToken = raw
			result.TrustedDeviceExpiresAt = s.clock.Now().UTC().Add(ttl)
		}
	}
	return result, nil
}

func (s *Service) enabledRow(ctx context.Context, user *authdomain.User) (*TwoFactor, error) {
	if !user.TwoFactorEnabled {
		return nil, authdomain.ErrInvalidState
	}
	row, err := s.repo.find(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Secret == nil {
		return nil, authdomain.ErrInvalidState
	}
	return row, nil
}

func (s *Service) audit(ctx context.Context, userID snowflake.ID, action string) {
	if s.auditSvc == nil {
		return
	}
	id := userID.String()
	if err := s.auditSvc.AuditLog(ctx, nil, string(auditdomain.ActorTypeUser), &id, action, "user", &id, nil); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func wrapTokenErr(err error) error {
	if errors.Is(err, token.ErrUnavailable) {
		return fmt.Errorf("%w: %v", authdomain.ErrServiceUnavailable, err)
	}
	return err
}
