package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AuthPolicy holds the tunable auth, invitation and rate limit rules.
type AuthPolicy struct {
	RequireEmailVerification bool          `mapstructure:"require_email_verification"`
	MinPasswordLength        int           `mapstructure:"min_password_length"`
	SessionTTL               time.Duration `mapstructure:"session_ttl"`
	ShortSessionTTL          time.Duration `mapstructure:"short_session_ttl"`
	ResetTokenTTL            time.Duration `mapstructure:"reset_token_ttl"`
	VerificationTokenTTL     time.Duration `mapstructure:"verification_token_ttl"`
	MagicLinkTTL             time.Duration `mapstructure:"magic_link_ttl"`
	OTPTTL                   time.Duration `mapstructure:"otp_ttl"`
	OTPMaxAttempts           int           `mapstructure:"otp_max_attempts"`
	ChallengeTTL             time.Duration `mapstructure:"challenge_ttl"`
	TrustDeviceTTL           time.Duration `mapstructure:"trust_device_ttl"`
	TOTPIssuer               string        `mapstructure:"totp_issuer"`
	BackupCodeCount          int           `mapstructure:"backup_code_count"`
	SendWelcomeEmail         bool          `mapstructure:"send_welcome_email"`
	AllowAccountDeletion     bool          `mapstructure:"allow_account_deletion"`

	Invitation InvitationPolicy `mapstructure:"invitation"`
	RateLimit  RateLimitPolicy  `mapstructure:"rate_limit"`
}

type InvitationPolicy struct {
	AllowDuplicates bool          `mapstructure:"allow_duplicates"`
	TTL             time.Duration `mapstructure:"ttl"`
}

type RateLimitPolicy struct {
	Enabled         bool          `mapstructure:"enabled"`
	Window          time.Duration `mapstructure:"window"`
	Max             int           `mapstructure:"max"`
	SensitiveWindow time.Duration `mapstructure:"sensitive_window"`
	SensitiveMax    int           `mapstructure:"sensitive_max"`
}

func DefaultAuthPolicy() AuthPolicy {
	return AuthPolicy{
		RequireEmailVerification: false,
		MinPasswordLength:        8,
		SessionTTL:               7 * 24 * time.Hour,
		ShortSessionTTL:          24 * time.Hour,
		ResetTokenTTL:            time.Hour,
		VerificationTokenTTL:     24 * time.Hour,
		MagicLinkTTL:             5 * time.Minute,
		OTPTTL:                   5 * time.Minute,
		OTPMaxAttempts:           3,
		ChallengeTTL:             5 * time.Minute,
		TrustDeviceTTL:           30 * 24 * time.Hour,
		TOTPIssuer:               "Workspace",
		BackupCodeCount:          10,
		SendWelcomeEmail:         true,
		AllowAccountDeletion:     true,
		Invitation: InvitationPolicy{
			AllowDuplicates: false,
			TTL:             48 * time.Hour,
		},
		RateLimit: RateLimitPolicy{
			Enabled:         true,
			Window:          10 * time.Second,
			Max:             100,
			SensitiveWindow: time.Minute,
			SensitiveMax:    10,
		},
	}
}

// PolicyHolder serves the current AuthPolicy snapshot. The snapshot is
// swapped atomically when the backing file changes.
type PolicyHolder struct {
	current atomic.Value // holds AuthPolicy
}

// NewStaticPolicy returns a holder that never reloads.
func NewStaticPolicy(p AuthPolicy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	file := strings.TrimSpace(cfg.PolicyFile)
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType(strings.TrimPrefix(filepath.Ext(file), "."))
	}

	v.SetEnvPrefix("WORKSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setPolicyDefaults(v, DefaultAuthPolicy())

	watch := false
	if file != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, err
			}
			log.Info("policy file not found, using defaults", zap.String("path", file))
		} else {
			watch = true
		}
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicy(policy)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePolicy(v)
			if err != nil {
				log.Warn("policy reload rejected", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("policy reloaded", zap.String("path", e.Name))
		})
	}

	return holder, nil
}

func (h *PolicyHolder) Get() AuthPolicy {
	return h.current.Load().(AuthPolicy)
}

func decodePolicy(v *viper.Viper) (AuthPolicy, error) {
	// Unmarshal resolves every leaf key so defaults and env overrides apply
	// underneath a partial file.
	var doc struct {
		Auth AuthPolicy `mapstructure:"auth"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return AuthPolicy{}, err
	}
	p := doc.Auth
	if err := validatePolicy(p); err != nil {
		return AuthPolicy{}, err
	}
	return p, nil
}

func setPolicyDefaults(v *viper.Viper, d AuthPolicy) {
	v.SetDefault("auth.require_email_verification", d.RequireEmailVerification)
	v.SetDefault("auth.min_password_length", d.MinPasswordLength)
	v.SetDefault("auth.session_ttl", d.SessionTTL)
	v.SetDefault("auth.short_session_ttl", d.ShortSessionTTL)
	v.SetDefault("auth.reset_token_ttl", d.ResetTokenTTL)
	v.SetDefault("auth.verification_token_ttl", d.VerificationTokenTTL)
	v.SetDefault("auth.magic_link_ttl", d.MagicLinkTTL)
	v.SetDefault("auth.otp_ttl", d.OTPTTL)
	v.SetDefault("auth.otp_max_attempts", d.OTPMaxAttempts)
	v.SetDefault("auth.challenge_ttl", d.ChallengeTTL)
	v.SetDefault("auth.trust_device_ttl", d.TrustDeviceTTL)
	v.SetDefault("auth.totp_issuer", d.TOTPIssuer)
	v.SetDefault("auth.backup_code_count", d.BackupCodeCount)
	v.SetDefault("auth.send_welcome_email", d.SendWelcomeEmail)
	v.SetDefault("auth.allow_account_deletion", d.AllowAccountDeletion)
	v.SetDefault("auth.invitation.allow_duplicates", d.Invitation.AllowDuplicates)
	v.SetDefault("auth.invitation.ttl", d.Invitation.TTL)
	v.SetDefault("auth.rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("auth.rate_limit.window", d.RateLimit.Window)
	v.SetDefault("auth.rate_limit.max", d.RateLimit.Max)
	v.SetDefault("auth.rate_limit.sensitive_window", d.RateLimit.SensitiveWindow)
	v.SetDefault("auth.rate_limit.sensitive_max", d.RateLimit.SensitiveMax)
}

func validatePolicy(p AuthPolicy) error {
	switch {
	case p.MinPasswordLength < 8:
		return errors.New("auth.min_password_length must be at least 8")
	case p.SessionTTL <= 0 || p.ShortSessionTTL <= 0:
		return errors.New("auth session ttl must be positive")
	case p.ShortSessionTTL > p.SessionTTL:
		return errors.New("auth.short_session_ttl cannot exceed auth.session_ttl")
	case p.OTPTTL <= 0 || p.OTPMaxAttempts <= 0:
		return errors.New("auth otp settings must be positive")
	case p.ResetTokenTTL <= 0 || p.VerificationTokenTTL <= 0:
		return errors.New("auth token ttl must be positive")
	case p.RateLimit.Enabled && (p.RateLimit.Max <= 0 || p.RateLimit.Window <= 0):
		return errors.New("auth.rate_limit requires positive window and max")
	}
	return nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
