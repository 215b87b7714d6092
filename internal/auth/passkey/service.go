// Package passkey registers WebAuthn credentials and signs users in with
// discoverable credentials.
package passkey

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/observability/metrics"
	"github.com/smallbiznis/workspace/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxNameLength = 128

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Auth        authdomain.Service
	Tokens      *token.Store
	Policy      *config.PolicyHolder
	Clock       clock.Clock
	GenID       *snowflake.Node
	AuditSvc    auditdomain.Service  `optional:"true"`
	AuthMetrics *metrics.AuthMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	wa          *webauthn.WebAuthn
	auth        authdomain.Service
	tokens      *token.Store
	policy      *config.PolicyHolder
	clock       clock.Clock
	genID       *snowflake.Node
	auditSvc    auditdomain.Service
	authMetrics *metrics.AuthMetrics
}

func NewService(p Params) (*Service, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          p.Config.WebAuthn.RPID,
		RPDisplayName: p.Config.WebAuthn.RPDisplayName,
		RPOrigins:     p.Config.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("auth.passkey"),
		wa:          wa,
		auth:        p.Auth,
		tokens:      p.Tokens,
		policy:      p.Policy,
		clock:       p.Clock,
		genID:       p.GenID,
		auditSvc:    p.AuditSvc,
		authMetrics: p.AuthMetrics,
	}, nil
}

// BeginRegistration returns creation options and the ceremony id the client
// must echo back to FinishRegistration.
func (s *Service) BeginRegistration(ctx context.Context, userID snowflake.ID) (*protocol.CredentialCreation, string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.credentials))
	for _, cred := range user.credentials {
		exclusions = append(exclusions, cred.Descriptor())
	}

	options, session, err := s.wa.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return nil, "", err
	}

	ceremonyID, err := s.tokens.Issue(ctx, token.PurposePasskeyCeremony, ceremony{UserID: userID.String(), Session: *session}, s.policy.Get().ChallengeTTL)
	if err != nil {
		return nil, "", err
	}
	return options, ceremonyID, nil
}

func (s *Service) FinishRegistration(ctx context.Context, userID snowflake.ID, ceremonyID, name string, body []byte) (*Passkey, error) {
	var state ceremony
	if err := s.tokens.Consume(ctx, token.PurposePasskeyCeremony, ceremonyID, &state); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, ErrRegistrationFailed
		}
		return nil, err
	}
	if state.UserID != userID.String() {
		return nil, ErrRegistrationFailed
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		s.log.Debug("passkey registration parse failed", zap.Error(err))
		return nil, ErrRegistrationFailed
	}
	cred, err := s.wa.CreateCredential(user, state.Session, parsed)
	if err != nil {
		s.log.Debug("passkey registration rejected", zap.Error(err))
		return nil, ErrRegistrationFailed
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Passkey"
	}
	if len([]rune(name)) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}

	pk := &Passkey{
		ID:           s.genID.Generate(),
		UserID:       userID,
		Name:         name,
		CredentialID: encodeID(cred.ID),
		Credential:   datatypes.NewJSONType(*cred),
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(pk).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ErrRegistrationFailed
		}
		return nil, err
	}
	s.audit(ctx, userID, auditdomain.ActionPasskeyAdded, pk.ID)
	return pk, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID) ([]Passkey, error) {
	var items []Passkey
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&items).Error
	return items, err
}

func (s *Service) Delete(ctx context.Context, userID, passkeyID snowflake.ID) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", passkeyID, userID).Delete(&Passkey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.audit(ctx, userID, auditdomain.ActionPasskeyRemoved, passkeyID)
	return nil
}

// BeginSignIn starts a discoverable login; no user is identified yet.
func (s *Service) BeginSignIn(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	options, session, err := s.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", err
	}
	ceremonyID, err := s.tokens.Issue(ctx, token.PurposePasskeyCeremony, ceremony{Session: *session}, s.policy.Get().ChallengeTTL)
	if err != nil {
		return nil, "", err
	}
	return options, ceremonyID, nil
}

// FinishSignIn verifies the assertion. Every ceremony failure collapses
// into ErrPasskeyAuthFailed.
func (s *Service) FinishSignIn(ctx context.Context, ceremonyID string, body []byte, opts authdomain.SessionOptions) (*authdomain.SessionResult, error) {
	var state ceremony
	if err := s.tokens.Consume(ctx, token.PurposePasskeyCeremony, ceremonyID, &state); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, s.fail("ceremony_not_found", nil)
		}
		return nil, err
	}
	if state.UserID != "" {
		return nil, s.fail("registration_ceremony", nil)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, s.fail("parse", err)
	}

	var matched *Passkey
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		var pk Passkey
		if err := s.db.WithContext(ctx).Where("credential_id = ?", encodeID(rawID)).First(&pk).Error; err != nil {
			return nil, err
		}
		if string(userHandle) != pk.UserID.String() {
			return nil, errors.New("user handle mismatch")
		}
		matched = &pk
		return s.loadUser(ctx, pk.UserID)
	}

	cred, err := s.wa.ValidateDiscoverableLogin(handler, state.Session, parsed)
	if err != nil || matched == nil {
		return nil, s.fail("validate", err)
	}

	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&Passkey{}).Where("id = ?", matched.ID).Updates(map[string]any{
		"credential":   datatypes.NewJSONType(*cred),
		"last_used_at": now,
	}).Error; err != nil {
		s.log.Warn("failed to update passkey usage", zap.Error(err))
	}

	return s.auth.IssueSession(ctx, matched.UserID, authdomain.MethodPasskey, opts)
}

func (s *Service) loadUser(ctx context.Context, userID snowflake.ID) (*webauthnUser, error) {
	user, err := s.auth.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var items []Passkey
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&items).Error; err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(items))
	for _, item := range items {
		creds = append(creds, item.Credential.Data())
	}
	return &webauthnUser{user: user, credentials: creds}, nil
}

func (s *Service) fail(reason string, err error) error {
	s.authMetrics.RecordSignIn(metrics.SignInMethodPasskey, metrics.SignInOutcomeFailure)
	s.log.Debug("passkey sign-in failed", zap.String("reason", reason), zap.Error(err))
	return authdomain.ErrPasskeyAuthFailed
}

func (s *Service) audit(ctx context.Context, userID snowflake.ID, action string, passkeyID snowflake.ID) {
	if s.auditSvc == nil {
		return
	}
	id := userID.String()
	target := passkeyID.String()
	if err := s.auditSvc.AuditLog(ctx, nil, string(auditdomain.ActorTypeUser), &id, action, "passkey", &target, nil); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
