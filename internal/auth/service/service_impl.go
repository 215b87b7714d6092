package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	"github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/password"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/auth/secret"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/observability/metrics"
	"github.com/smallbiznis/workspace/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	maxNameLength     = 128
	maxPasswordLength = 128
	lastSeenInterval  = time.Minute
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Policy      *config.PolicyHolder
	Repo        domain.Repository
	SessionRepo domain.SessionRepository
	GenID       *snowflake.Node
	Clock       clock.Clock
	Tokens      *token.Store
	Keyring     *secret.Keyring
	Redirects   *redirect.Validator
	Notifier    *email.Notifier      `optional:"true"`
	AuditSvc    auditdomain.Service  `optional:"true"`
	AuthMetrics *metrics.AuthMetrics `optional:"true"`
	Metrics     *metrics.Metrics     `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	policy      *config.PolicyHolder
	repo        domain.Repository
	sessionRepo domain.SessionRepository
	genID       *snowflake.Node
	clock       clock.Clock
	tokens      *token.Store
	keyring     *secret.Keyring
	redirects   *redirect.Validator
	notifier    *email.Notifier
	auditSvc    auditdomain.Service
	authMetrics *metrics.AuthMetrics
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("auth.service"),
		policy:      p.Policy,
		repo:        p.Repo,
		sessionRepo: p.SessionRepo,
		genID:       p.GenID,
		clock:       p.Clock,
		tokens:      p.Tokens,
		keyring:     p.Keyring,
		redirects:   p.Redirects,
		notifier:    p.Notifier,
		auditSvc:    p.AuditSvc,
		authMetrics: p.AuthMetrics,
		metrics:     p.Metrics,
	}
}

func (s *Service) SignUp(ctx context.Context, req domain.SignUpRequest) (*domain.SignUpResult, error) {
	policy := s.policy.Get()

	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return nil, domain.ErrInvalidName
	}
	emailAddr, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, domain.ErrInvalidEmail
	}
	if err := checkPassword(req.Password, policy.MinPasswordLength); err != nil {
		return nil, err
	}
	callbackURL, err := s.redirects.Resolve(req.CallbackURL, "/")
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.FindByEmail(ctx, emailAddr); err == nil {
		return nil, domain.ErrUserExists
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}

	hashed, err := s.hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	user := &domain.User{
		ID:                  s.genID.Generate(),
		Name:                name,
		Email:               emailAddr,
		Image:               trimmedPtr(req.Image),
		PasswordHash:        &hashed,
		LastPasswordChanged: &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	if policy.SendWelcomeEmail {
		s.notifier.Send(ctx, user.Email, email.TemplateWelcome, map[string]any{"Name": user.Name})
	}

	if policy.RequireEmailVerification {
		s.sendVerification(ctx, user, callbackURL)
		return &domain.SignUpResult{User: user}, nil
	}

	session, err := s.issueSession(ctx, user, domain.MethodPassword, req.Session)
	if err != nil {
		return nil, err
	}
	return &domain.SignUpResult{User: user, Session: session}, nil
}

func (s *Service) SignInWithCredentials(ctx context.Context, req domain.CredentialsSignInRequest) (*domain.SignInResult, error) {
	opts := domain.SessionOptions{
		RememberMe:         req.RememberMe,
		UserAgent:          req.UserAgent,
		IPAddress:          req.IPAddress,
		TrustedDeviceToken: req.TrustedDeviceToken,
	}

	emailAddr, err := normalizeEmail(req.Email)
	if err != nil || req.Password == "" {
		password.VerifyDummy(req.Password)
		s.authMetrics.RecordSignIn(metrics.SignInMethodPassword, metrics.SignInOutcomeFailure)
		return nil, domain.ErrInvalidCredentials
	}

	user, err := s.repo.FindByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			password.VerifyDummy(req.Password)
			s.authMetrics.RecordSignIn(metrics.SignInMethodPassword, metrics.SignInOutcomeFailure)
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	if !user.HasPassword() {
		password.VerifyDummy(req.Password)
		s.failedSignIn(ctx, user, "no_password")
		return nil, domain.ErrInvalidCredentials
	}
	if !password.Verify(req.Password, *user.PasswordHash) {
		s.failedSignIn(ctx, user, "password_mismatch")
		return nil, domain.ErrInvalidCredentials
	}

	if password.NeedsRehash(*user.PasswordHash) {
		if hashed, err := s.hashPassword(req.Password); err == nil {
			if err := s.repo.UpdateFields(ctx, user.ID, map[string]any{"password_hash": hashed}); err != nil {
				s.log.Warn("failed to upgrade password hash", zap.String("user_id", user.ID.String()), zap.Error(err))
			}
		}
	}

	if s.policy.Get().RequireEmailVerification && !user.EmailVerified {
		s.authMetrics.RecordSignIn(metrics.SignInMethodPassword, metrics.SignInOutcomeFailure)
		return nil, domain.ErrEmailNotVerified
	}

	return s.completeSignIn(ctx, user, domain.MethodPassword, opts)
}

// completeSignIn issues a session, or a second-factor challenge when the
// user has two-factor enabled.
func (s *Service) completeSignIn(ctx context.Context, user *domain.User, method string, opts domain.SessionOptions) (*domain.SignInResult, error) {
	if user.TwoFactorEnabled && !s.isTrustedDevice(ctx, user, opts.TrustedDeviceToken) {
		ttl := s.policy.Get().ChallengeTTL
		challenge := domain.TwoFactorChallenge{
			UserID:     user.ID.String(),
			RememberMe: opts.RememberMe,
			UserAgent:  opts.UserAgent,
			IPAddress:  opts.IPAddress,
		}
		raw, err := s.tokens.Issue(ctx, token.PurposeTwoFactor, challenge, ttl)
		if err != nil {
			return nil, wrapTokenErr(err)
		}
		s.authMetrics.RecordSignIn(method, metrics.SignInOutcomeTwoFactorRequired)
		return &domain.SignInResult{
			TwoFactorRequired:  true,
			ChallengeToken:     raw,
			ChallengeExpiresAt: s.clock.Now().UTC().Add(ttl),
		}, nil
	}

	session, err := s.issueSession(ctx, user, method, opts)
	if err != nil {
		return nil, err
	}
	return &domain.SignInResult{Session: session}, nil
}

func (s *Service) isTrustedDevice(ctx context.Context, user *domain.User, raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	var device domain.TrustedDevice
	if err := s.tokens.Get(ctx, token.PurposeTrustedDevice, raw, &device); err != nil {
		return false
	}
	return device.UserID == user.ID.String()
}

func (s *Service) IssueSession(ctx context.Context, userID snowflake.ID, method string, opts domain.SessionOptions) (*domain.SessionResult, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user, method, opts)
}

func (s *Service) issueSession(ctx context.Context, user *domain.User, method string, opts domain.SessionOptions) (*domain.SessionResult, error) {
	policy := s.policy.Get()
	ttl := policy.ShortSessionTTL
	if opts.RememberMe {
		ttl = policy.SessionTTL
	}

	rawToken, err := token.NewRaw()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	session := &domain.Session{
		ID:         s.genID.Generate(),
		UserID:     user.ID,
		TokenHash:  token.Hash(rawToken),
		UserAgent:  strings.TrimSpace(opts.UserAgent),
		IPAddress:  strings.TrimSpace(opts.IPAddress),
		Persistent: opts.RememberMe,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.sessionRepo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.authMetrics.RecordSignIn(method, metrics.SignInOutcomeSuccess)
	s.metrics.RecordSessionIssued(ctx, method, opts.RememberMe)
	s.audit(ctx, user.ID, auditdomain.ActionSignIn, map[string]any{
		"method":     method,
		"session_id": session.ID.String(),
		"persistent": opts.RememberMe,
	})

	return &domain.SessionResult{
		User:       user,
		Session:    session,
		RawToken:   rawToken,
		ExpiresAt:  session.ExpiresAt,
		Persistent: opts.RememberMe,
	}, nil
}

// SignInWithIdentity signs in, links or creates the user behind a provider
// identity. Two-factor users get a challenge like any other sign-in.
func (s *Service) SignInWithIdentity(ctx context.Context, identity domain.ExternalIdentity, opts domain.SessionOptions) (*domain.SignInResult, error) {
	providerID := strings.ToLower(strings.TrimSpace(identity.ProviderID))
	accountID := strings.TrimSpace(identity.AccountID)
	if providerID == "" || accountID == "" {
		return nil, domain.ErrInvalidCredentials
	}

	account, err := s.repo.FindAccount(ctx, providerID, accountID)
	switch {
	case err == nil:
		user, err := s.repo.FindByID(ctx, account.UserID)
		if err != nil {
			return nil, err
		}
		return s.completeSignIn(ctx, user, domain.MethodSocial, opts)
	case !errors.Is(err, domain.ErrUserNotFound):
		return nil, err
	}

	emailAddr, err := normalizeEmail(identity.Email)
	if err != nil {
		return nil, domain.ErrInvalidEmail
	}

	now := s.clock.Now().UTC()
	user, err := s.repo.FindByEmail(ctx, emailAddr)
	switch {
	case err == nil:
		link := &domain.Account{
			ID:                s.genID.Generate(),
			UserID:            user.ID,
			ProviderID:        providerID,
			ProviderAccountID: accountID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.CreateAccount(ctx, link); err != nil {
			return nil, err
		}
		if !user.EmailVerified {
			if err := s.repo.UpdateFields(ctx, user.ID, map[string]any{"email_verified": true, "updated_at": now}); err != nil {
				return nil, err
			}
			user.EmailVerified = true
		}
		return s.completeSignIn(ctx, user, domain.MethodSocial, opts)
	case !errors.Is(err, domain.ErrUserNotFound):
		return nil, err
	}

	if !identity.AllowSignUp {
		return nil, domain.ErrSignUpDisabled
	}

	name := strings.TrimSpace(identity.Name)
	if name == "" {
		name = defaultDisplayName(emailAddr)
	}
	user = &domain.User{
		ID:            s.genID.Generate(),
		Name:          truncate(name, maxNameLength),
		Email:         emailAddr,
		EmailVerified: true,
		Image:         trimmedPtr(&identity.Image),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	account = &domain.Account{
		ID:                s.genID.Generate(),
		UserID:            user.ID,
		ProviderID:        providerID,
		ProviderAccountID: accountID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateWithAccount(ctx, user, account); err != nil {
		return nil, err
	}
	if s.policy.Get().SendWelcomeEmail {
		s.notifier.Send(ctx, user.Email, email.TemplateWelcome, map[string]any{"Name": user.Name})
	}
	return s.completeSignIn(ctx, user, domain.MethodSocial, opts)
}

// SignOut revokes the session behind rawToken. Unknown, expired and already
// revoked tokens are treated as signed out.
func (s *Service) SignOut(ctx context.Context, rawToken string) error {
	raw := strings.TrimSpace(rawToken)
	if raw == "" {
		return nil
	}

	session, err := s.sessionRepo.GetSessionByTokenHash(ctx, token.Hash(raw))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	revoked, err := s.sessionRepo.RevokeSession(ctx, session.ID, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if revoked {
		s.metrics.RecordSessionRevoked(ctx, "sign_out", 1)
		s.audit(ctx, session.UserID, auditdomain.ActionSignOut, map[string]any{"session_id": session.ID.String()})
	}
	return nil
}

func (s *Service) Authenticate(ctx context.Context, rawToken string) (*domain.Session, error) {
	raw := strings.TrimSpace(rawToken)
	if raw == "" {
		return nil, domain.ErrInvalidSession
	}

	session, err := s.sessionRepo.GetSessionByTokenHash(ctx, token.Hash(raw))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrInvalidSession
		}
		return nil, err
	}

	now := s.clock.Now().UTC()
	if session.RevokedAt != nil {
		return nil, domain.ErrSessionRevoked
	}
	if !now.Before(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}

	if now.Sub(session.LastSeenAt) >= lastSeenInterval {
		if err := s.sessionRepo.UpdateLastSeen(ctx, session.ID, now); err != nil {
			return nil, err
		}
		session.LastSeenAt = now
	}

	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, current *domain.Session) ([]domain.SessionView, error) {
	if current == nil {
		return nil, domain.ErrInvalidSession
	}
	sessions, err := s.sessionRepo.ListActiveSessions(ctx, current.UserID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	views := make([]domain.SessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, domain.NewSessionView(&sessions[i], current.ID))
	}
	return views, nil
}

// RevokeSession revokes one of the caller's sessions. Revoking the session
// the caller is using signs the caller out.
func (s *Service) RevokeSession(ctx context.Context, current *domain.Session, sessionID snowflake.ID) (*domain.RevokeResult, error) {
	if current == nil {
		return nil, domain.ErrInvalidSession
	}

	target, err := s.sessionRepo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if target.UserID != current.UserID {
		return nil, domain.ErrSessionNotFound
	}

	revoked, err := s.sessionRepo.RevokeSession(ctx, target.ID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if revoked {
		s.metrics.RecordSessionRevoked(ctx, "revoke", 1)
		s.audit(ctx, current.UserID, auditdomain.ActionSessionRevoked, map[string]any{"session_id": target.ID.String()})
	}

	return &domain.RevokeResult{
		Revoked:   revoked,
		SignedOut: target.ID == current.ID,
	}, nil
}

func (s *Service) RevokeOtherSessions(ctx context.Context, current *domain.Session) (int64, error) {
	if current == nil {
		return 0, domain.ErrInvalidSession
	}
	count, err := s.sessionRepo.RevokeUserSessions(ctx, current.UserID, &current.ID, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	s.metrics.RecordSessionRevoked(ctx, "revoke_others", count)
	if count > 0 {
		s.audit(ctx, current.UserID, auditdomain.ActionSessionRevoked, map[string]any{"scope": "others", "count": count})
	}
	return count, nil
}

func (s *Service) RevokeAllSessions(ctx context.Context, current *domain.Session) (*domain.RevokeResult, error) {
	if current == nil {
		return nil, domain.ErrInvalidSession
	}
	count, err := s.sessionRepo.RevokeUserSessions(ctx, current.UserID, nil, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSessionRevoked(ctx, "revoke_all", count)
	s.audit(ctx, current.UserID, auditdomain.ActionSessionRevoked, map[string]any{"scope": "all", "count": count})
	return &domain.RevokeResult{Revoked: count > 0, SignedOut: true}, nil
}

func (s *Service) UpdateActiveOrganization(ctx context.Context, sessionID snowflake.ID, orgID *snowflake.ID) error {
	return s.sessionRepo.UpdateActiveOrg(ctx, sessionID, orgID)
}

func (s *Service) failedSignIn(ctx context.Context, user *domain.User, reason string) {
	s.authMetrics.RecordSignIn(metrics.SignInMethodPassword, metrics.SignInOutcomeFailure)
	s.audit(ctx, user.ID, auditdomain.ActionSignInFailed, map[string]any{"reason": reason})
}

func (s *Service) hashPassword(raw string) (string, error) {
	start := time.Now()
	hashed, err := password.Hash(raw)
	s.authMetrics.ObservePasswordHash(time.Since(start).Seconds())
	return hashed, err
}

func (s *Service) audit(ctx context.Context, userID snowflake.ID, action string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	id := userID.String()
	if err := s.auditSvc.AuditLog(ctx, nil, string(auditdomain.ActorTypeUser), &id, action, "user", &id, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func checkPassword(raw string, minLength int) error {
	n := utf8.RuneCountInString(raw)
	if strings.TrimSpace(raw) == "" || n < minLength || n > maxPasswordLength {
		return domain.ErrWeakPassword
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(addr.Address)), nil
}

func defaultDisplayName(emailAddr string) string {
	local, _, _ := strings.Cut(emailAddr, "@")
	if strings.TrimSpace(local) != "" {
		return local
	}
	return emailAddr
}

func trimmedPtr(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func truncate(v string, n int) string {
	if utf8.RuneCountInString(v) <= n {
		return v
	}
	return string([]rune(v)[:n])
}

func wrapTokenErr(err error) error {
	if errors.Is(err, token.ErrUnavailable) {
		return fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	return err
}
