package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/authorization"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/organization/domain"
	"github.com/smallbiznis/workspace/internal/organization/event"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxLogoLength = 2048

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      domain.Repository
	Authz     authorization.Service
	Auth      authdomain.Service
	Sessions  authdomain.SessionRepository
	GenID     *snowflake.Node
	Clock     clock.Clock
	Publisher event.EventPublisher
	AuditSvc  auditdomain.Service `optional:"true"`
}

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	authz     authorization.Service
	auth      authdomain.Service
	sessions  authdomain.SessionRepository
	genID     *snowflake.Node
	clock     clock.Clock
	publisher event.EventPublisher
	auditSvc  auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &service{
		db:        p.DB,
		log:       p.Log.Named("organization.service"),
		repo:      p.Repo,
		authz:     p.Authz,
		auth:      p.Auth,
		sessions:  p.Sessions,
		genID:     p.GenID,
		clock:     p.Clock,
		publisher: p.Publisher,
		auditSvc:  p.AuditSvc,
	}
}

// Create validates the slug before touching the database and inserts the
// organization together with its owner membership.
func (s *service) Create(ctx context.Context, userID snowflake.ID, req domain.CreateOrganizationRequest) (*domain.Organization, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}

	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < domain.MinNameLength || n > domain.MaxNameLength {
		return nil, domain.ErrInvalidName
	}

	orgSlug := strings.TrimSpace(req.Slug)
	if orgSlug == "" {
		orgSlug = slug.Make(name)
	}
	if err := validateSlug(orgSlug); err != nil {
		return nil, err
	}

	var logo *string
	if req.Logo != nil {
		trimmed := strings.TrimSpace(*req.Logo)
		if len(trimmed) > maxLogoLength {
			return nil, domain.ErrInvalidOrganization
		}
		if trimmed != "" {
			logo = &trimmed
		}
	}

	taken, err := s.repo.SlugExists(ctx, orgSlug)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domain.ErrSlugTaken
	}

	now := s.clock.Now().UTC()
	org := &domain.Organization{
		ID:        s.genID.Generate(),
		Name:      name,
		Slug:      orgSlug,
		Logo:      logo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(req.Metadata) > 0 {
		org.Metadata = datatypes.JSONMap(req.Metadata)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateOrganization(ctx, org); err != nil {
			return err
		}

		member := &domain.OrganizationMember{
			ID:        s.genID.Generate(),
			OrgID:     org.ID,
			UserID:    userID,
			Role:      string(authorization.RoleOwner),
			CreatedAt: now,
		}
		if err := repo.AddMember(ctx, member); err != nil {
			return err
		}

		return s.publisher.Publish(ctx, tx, org.ID, event.OrganizationCreatedTopic, map[string]any{
			"organization_id": org.ID.String(),
			"owner_user_id":   userID.String(),
			"slug":            org.Slug,
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, org.ID, userID, auditdomain.ActionOrganizationCreated, "organization", org.ID.String(), map[string]any{"slug": org.Slug})
	return org, nil
}

// CheckSlug reports whether slug is well formed and free.
func (s *service) CheckSlug(ctx context.Context, raw string) (bool, error) {
	orgSlug := strings.TrimSpace(raw)
	if err := validateSlug(orgSlug); err != nil {
		return false, err
	}
	taken, err := s.repo.SlugExists(ctx, orgSlug)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

func (s *service) List(ctx context.Context, userID snowflake.ID) ([]domain.OrganizationListItem, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}
	return s.repo.ListOrganizationsByUser(ctx, userID)
}

func (s *service) GetFull(ctx context.Context, userID, orgID snowflake.ID) (*domain.FullOrganization, error) {
	role, err := s.memberRole(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	org, err := s.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	members, err := s.repo.ListMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &domain.FullOrganization{
		Organization: *org,
		Role:         string(role),
		Members:      members,
	}, nil
}

func (s *service) Delete(ctx context.Context, userID, orgID snowflake.ID) error {
	if _, err := s.authz.Authorize(ctx, orgID, userID, authorization.ActionDeleteOrg); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).DeleteOrganization(ctx, orgID); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, tx, orgID, event.OrganizationDeletedTopic, map[string]any{
			"organization_id": orgID.String(),
			"deleted_by":      userID.String(),
		})
	})
	if err != nil {
		return err
	}

	if err := s.sessions.ClearActiveOrg(ctx, orgID, nil); err != nil {
		s.log.Warn("failed to clear active organization", zap.String("org_id", orgID.String()), zap.Error(err))
	}
	s.audit(ctx, orgID, userID, auditdomain.ActionOrganizationDeleted, "organization", orgID.String(), nil)
	return nil
}

func (s *service) ListMembers(ctx context.Context, userID, orgID snowflake.ID) ([]domain.MemberView, error) {
	if _, err := s.memberRole(ctx, orgID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListMembers(ctx, orgID)
}

// RemoveMember never removes an owner. Removing yourself is leaving; an
// absent target is a no-op once the caller is authorized.
func (s *service) RemoveMember(ctx context.Context, userID, orgID, targetUserID snowflake.ID) (*domain.RemoveMemberResult, error) {
	if userID == 0 || targetUserID == 0 {
		return nil, domain.ErrInvalidUser
	}

	target, err := s.repo.GetMember(ctx, orgID, targetUserID)
	switch {
	case errors.Is(err, domain.ErrMemberNotFound):
		target = nil
	case err != nil:
		return nil, err
	}
	if target != nil && target.Role == string(authorization.RoleOwner) {
		return nil, authorization.ErrForbidden
	}

	self := userID == targetUserID
	if self {
		if target == nil {
			return &domain.RemoveMemberResult{Left: true}, nil
		}
		if _, err := s.authz.Authorize(ctx, orgID, userID, authorization.ActionLeave); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.authz.Authorize(ctx, orgID, userID, authorization.ActionRemoveMember); err != nil {
			return nil, err
		}
		if target == nil {
			return &domain.RemoveMemberResult{}, nil
		}
	}

	removed, err := s.repo.RemoveMember(ctx, orgID, targetUserID)
	if err != nil {
		return nil, err
	}
	result := &domain.RemoveMemberResult{Removed: removed, Left: self}
	if !removed {
		return result, nil
	}

	if err := s.sessions.ClearActiveOrg(ctx, orgID, &targetUserID); err != nil {
		s.log.Warn("failed to clear active organization", zap.String("org_id", orgID.String()), zap.Error(err))
	}
	if err := s.publisher.Publish(ctx, nil, orgID, event.MemberRemovedTopic, map[string]any{
		"user_id":    targetUserID.String(),
		"removed_by": userID.String(),
	}); err != nil {
		s.log.Warn("failed to publish member.removed", zap.Error(err))
	}
	s.audit(ctx, orgID, userID, auditdomain.ActionMemberRemoved, "member", targetUserID.String(), map[string]any{
		"role": target.Role,
		"self": self,
	})
	return result, nil
}

// UpdateMemberRole moves a member between admin and member. Ownership is
// never granted or taken away here.
func (s *service) UpdateMemberRole(ctx context.Context, userID, orgID, targetUserID snowflake.ID, rawRole string) (*domain.OrganizationMember, error) {
	role, err := authorization.ParseRole(rawRole)
	if err != nil {
		return nil, err
	}
	if role == authorization.RoleOwner {
		return nil, authorization.ErrInvalidRole
	}

	if _, err := s.authz.Authorize(ctx, orgID, userID, authorization.ActionChangeRole); err != nil {
		return nil, err
	}

	target, err := s.repo.GetMember(ctx, orgID, targetUserID)
	if err != nil {
		return nil, err
	}
	if target.Role == string(authorization.RoleOwner) {
		return nil, authorization.ErrForbidden
	}
	if target.Role == string(role) {
		return target, nil
	}

	previous := target.Role
	updated, err := s.repo.UpdateMemberRole(ctx, orgID, targetUserID, string(role))
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrMemberNotFound
	}
	target.Role = string(role)

	if err := s.publisher.Publish(ctx, nil, orgID, event.MemberRoleChangedTopic, map[string]any{
		"user_id": targetUserID.String(),
		"from":    previous,
		"to":      target.Role,
	}); err != nil {
		s.log.Warn("failed to publish member.role_changed", zap.Error(err))
	}
	s.audit(ctx, orgID, userID, auditdomain.ActionMemberRoleChanged, "member", targetUserID.String(), map[string]any{
		"from": previous,
		"to":   target.Role,
	})
	return target, nil
}

// SetActive points the session at orgID, or at no organization when orgID
// is nil. Membership is checked now and again on every later request.
func (s *service) SetActive(ctx context.Context, session *authdomain.Session, orgID *snowflake.ID) (*domain.ActiveOrganization, error) {
	if session == nil {
		return nil, authdomain.ErrInvalidSession
	}
	if orgID == nil {
		return nil, s.auth.UpdateActiveOrganization(ctx, session.ID, nil)
	}

	role, err := s.memberRole(ctx, *orgID, session.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.auth.UpdateActiveOrganization(ctx, session.ID, orgID); err != nil {
		return nil, err
	}
	session.ActiveOrgID = orgID
	return &domain.ActiveOrganization{OrgID: *orgID, Role: role}, nil
}

// ResolveActive re-reads the caller's role in the session's active
// organization. A stale pointer is cleared and reads as no organization.
func (s *service) ResolveActive(ctx context.Context, session *authdomain.Session) (*domain.ActiveOrganization, error) {
	if session == nil || session.ActiveOrgID == nil {
		return nil, nil
	}
	orgID := *session.ActiveOrgID

	role, err := s.authz.ResolveRole(ctx, orgID, session.UserID)
	if errors.Is(err, authorization.ErrNotMember) {
		if err := s.auth.UpdateActiveOrganization(ctx, session.ID, nil); err != nil {
			s.log.Warn("failed to clear stale active organization", zap.Error(err))
		}
		session.ActiveOrgID = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.ActiveOrganization{OrgID: orgID, Role: role}, nil
}

func (s *service) memberRole(ctx context.Context, orgID, userID snowflake.ID) (authorization.Role, error) {
	if orgID == 0 {
		return "", domain.ErrInvalidOrganization
	}
	role, err := s.authz.ResolveRole(ctx, orgID, userID)
	if errors.Is(err, authorization.ErrNotMember) {
		return "", authorization.ErrForbidden
	}
	return role, err
}

func (s *service) audit(ctx context.Context, orgID, userID snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorID := userID.String()
	if err := s.auditSvc.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeUser), &actorID, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func validateSlug(value string) error {
	if value == "" || len(value) > domain.MaxSlugLength || !domain.SlugPattern.MatchString(value) {
		return domain.ErrInvalidSlug
	}
	return nil
}
