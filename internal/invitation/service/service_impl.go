package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/authorization"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/invitation/domain"
	"github.com/smallbiznis/workspace/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/workspace/internal/organization/domain"
	"github.com/smallbiznis/workspace/internal/organization/event"
	"github.com/smallbiznis/workspace/internal/providers/email"
	"github.com/smallbiznis/workspace/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockTTL = 5 * time.Second

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Repo        domain.Repository
	OrgRepo     orgdomain.Repository
	Authz       authorization.Service
	Auth        authdomain.Service
	Policy      *config.PolicyHolder
	Clock       clock.Clock
	GenID       *snowflake.Node
	Redirects   *redirect.Validator
	Publisher   event.EventPublisher
	Locker      *ratelimit.Locker    `optional:"true"`
	Notifier    *email.Notifier      `optional:"true"`
	AuditSvc    auditdomain.Service  `optional:"true"`
	AuthMetrics *metrics.AuthMetrics `optional:"true"`
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	repo        domain.Repository
	orgRepo     orgdomain.Repository
	authz       authorization.Service
	auth        authdomain.Service
	policy      *config.PolicyHolder
	clock       clock.Clock
	genID       *snowflake.Node
	redirects   *redirect.Validator
	publisher   event.EventPublisher
	locker      *ratelimit.Locker
	notifier    *email.Notifier
	auditSvc    auditdomain.Service
	authMetrics *metrics.AuthMetrics
}

func NewService(p Params) domain.Service {
	return &service{
		db:          p.DB,
		log:         p.Log.Named("invitation.service"),
		repo:        p.Repo,
		orgRepo:     p.OrgRepo,
		authz:       p.Authz,
		auth:        p.Auth,
		policy:      p.Policy,
		clock:       p.Clock,
		genID:       p.GenID,
		redirects:   p.Redirects,
		publisher:   p.Publisher,
		locker:      p.Locker,
		notifier:    p.Notifier,
		auditSvc:    p.AuditSvc,
		authMetrics: p.AuthMetrics,
	}
}

func (s *service) Create(ctx context.Context, actorID, orgID snowflake.ID, req domain.CreateRequest) (*domain.Invitation, error) {
	addr, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	role, err := authorization.ParseRole(req.Role)
	if err != nil {
		return nil, err
	}
	if !role.Invitable() {
		return nil, authorization.ErrInvalidRole
	}

	if _, err := s.authz.Authorize(ctx, orgID, actorID, authorization.ActionInvite); err != nil {
		return nil, err
	}

	member, err := s.repo.IsMemberEmail(ctx, orgID, addr)
	if err != nil {
		return nil, err
	}
	if member {
		return nil, domain.ErrAlreadyMember
	}

	policy := s.policy.Get()
	if !policy.Invitation.AllowDuplicates {
		release, err := s.lock(ctx, orgID, addr)
		if err != nil {
			return nil, err
		}
		defer release()

		pending, err := s.repo.HasPending(ctx, orgID, addr, s.clock.Now().UTC())
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, domain.ErrDuplicateInvitation
		}
	}

	now := s.clock.Now().UTC()
	inv := &domain.Invitation{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		Email:     addr,
		Role:      string(role),
		Status:    domain.StatusPending,
		InviterID: actorID,
		ExpiresAt: now.Add(policy.Invitation.TTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, inv); err != nil {
		return nil, err
	}

	s.authMetrics.RecordInvitation("created")
	s.audit(ctx, orgID, actorID, auditdomain.ActionInvitationCreated, inv.ID, map[string]any{"role": inv.Role})
	s.sendInvitation(ctx, inv)
	return inv, nil
}

// lock serializes invitation checks for one address in one organization.
// Without redis the database check alone applies.
func (s *service) lock(ctx context.Context, orgID snowflake.ID, addr string) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}
	lease, err := s.locker.Acquire(ctx, invitationLockName(orgID, addr), lockTTL)
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		return nil, domain.ErrDuplicateInvitation
	case err != nil:
		s.log.Warn("invitation lock unavailable", zap.Error(err))
		return noop, nil
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release invitation lock", zap.Error(err))
		}
	}, nil
}

func invitationLockName(orgID snowflake.ID, addr string) string {
	return "invitation:" + orgID.String() + ":" + addr
}

// Cancel revokes a pending invitation. The update is conditional on the
// pending status, so a repeat cancel changes nothing and reports InvalidState.
func (s *service) Cancel(ctx context.Context, actorID, invitationID snowflake.ID) (*domain.Invitation, error) {
	inv, err := s.repo.Get(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Authorize(ctx, inv.OrgID, actorID, authorization.ActionCancelInvite); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	changed, err := s.repo.Transition(ctx, inv.ID, domain.StatusRevoked, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, domain.ErrInvalidState
	}

	inv.Status = domain.StatusRevoked
	inv.RespondedAt = &now
	inv.UpdatedAt = now
	s.authMetrics.RecordInvitation("revoked")
	s.audit(ctx, inv.OrgID, actorID, auditdomain.ActionInvitationCanceled, inv.ID, nil)
	return inv, nil
}

// Accept adds the invitee to the organization. The invitation must be
// addressed to the caller's email.
func (s *service) Accept(ctx context.Context, userID, invitationID snowflake.ID) (*orgdomain.OrganizationMember, error) {
	inv, user, err := s.loadForInvitee(ctx, userID, invitationID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	member := &orgdomain.OrganizationMember{
		ID:        s.genID.Generate(),
		OrgID:     inv.OrgID,
		UserID:    user.ID,
		Role:      inv.Role,
		CreatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, err := s.repo.WithTx(tx).Transition(ctx, inv.ID, domain.StatusAccepted, now)
		if err != nil {
			return err
		}
		if !changed {
			return domain.ErrInvalidState
		}
		if err := s.orgRepo.WithTx(tx).AddMember(ctx, member); err != nil {
			if errors.Is(err, orgdomain.ErrAlreadyMember) {
				return domain.ErrAlreadyMember
			}
			return err
		}
		return s.publisher.Publish(ctx, tx, inv.OrgID, event.MemberJoinedTopic, map[string]any{
			"user_id":       user.ID.String(),
			"role":          inv.Role,
			"invitation_id": inv.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.authMetrics.RecordInvitation("accepted")
	s.audit(ctx, inv.OrgID, user.ID, auditdomain.ActionInvitationAccepted, inv.ID, map[string]any{"role": inv.Role})
	return member, nil
}

func (s *service) Reject(ctx context.Context, userID, invitationID snowflake.ID) error {
	inv, _, err := s.loadForInvitee(ctx, userID, invitationID)
	if err != nil {
		return err
	}
	changed, err := s.repo.Transition(ctx, inv.ID, domain.StatusRejected, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		return domain.ErrInvalidState
	}
	s.authMetrics.RecordInvitation("rejected")
	return nil
}

// Get is visible to the invitee and to members of the inviting organization.
func (s *service) Get(ctx context.Context, userID, invitationID snowflake.ID) (*domain.View, error) {
	view, err := s.repo.GetView(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	user, err := s.auth.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.Email, view.Email) {
		if _, err := s.authz.ResolveRole(ctx, view.OrgID, userID); err != nil {
			if errors.Is(err, authorization.ErrNotMember) {
				return nil, domain.ErrNotFound
			}
			return nil, err
		}
	}
	view.Status = view.Effective(s.clock.Now())
	return view, nil
}

func (s *service) ListByOrganization(ctx context.Context, actorID, orgID snowflake.ID) ([]domain.View, error) {
	if _, err := s.authz.ResolveRole(ctx, orgID, actorID); err != nil {
		if errors.Is(err, authorization.ErrNotMember) {
			return nil, authorization.ErrForbidden
		}
		return nil, err
	}
	items, err := s.repo.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for i := range items {
		items[i].Status = items[i].Effective(now)
	}
	return items, nil
}

func (s *service) ListForUser(ctx context.Context, userID snowflake.ID) ([]domain.View, error) {
	user, err := s.auth.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPendingByEmail(ctx, user.Email, s.clock.Now().UTC())
}

func (s *service) loadForInvitee(ctx context.Context, userID, invitationID snowflake.ID) (*domain.Invitation, *authdomain.User, error) {
	inv, err := s.repo.Get(ctx, invitationID)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.auth.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(user.Email, inv.Email) {
		return nil, nil, domain.ErrRecipientMismatch
	}
	if inv.Effective(s.clock.Now()) != domain.StatusPending {
		return nil, nil, domain.ErrInvalidState
	}
	return inv, user, nil
}

func (s *service) sendInvitation(ctx context.Context, inv *domain.Invitation) {
	org, err := s.orgRepo.GetOrganization(ctx, inv.OrgID)
	if err != nil {
		s.log.Warn("invitation email skipped", zap.String("invitation_id", inv.ID.String()), zap.Error(err))
		return
	}
	inviterName := ""
	if inviter, err := s.auth.GetUser(ctx, inv.InviterID); err == nil {
		inviterName = inviter.Name
	}
	s.notifier.Send(ctx, inv.Email, email.TemplateInvitation, map[string]any{
		"OrgName":     org.Name,
		"InviterName": inviterName,
		"Role":        inv.Role,
		"URL":         s.redirects.Link("/accept-invitation/"+inv.ID.String(), nil),
		"ExpiresAt":   inv.ExpiresAt.Format(time.RFC1123),
	})
}

func (s *service) audit(ctx context.Context, orgID, actorID snowflake.ID, action string, invitationID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actor := actorID.String()
	target := invitationID.String()
	if err := s.auditSvc.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeUser), &actor, action, "invitation", &target, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", domain.ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}
