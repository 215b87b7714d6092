package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	"github.com/smallbiznis/workspace/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

// Service makes organization-scoped authorization decisions. The caller's
// role is read from the membership table on every call.
type Service interface {
	Authorize(ctx context.Context, orgID, userID snowflake.ID, action Action) (Role, error)
	ResolveRole(ctx context.Context, orgID, userID snowflake.ID) (Role, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service  `optional:"true"`
	Metrics  *metrics.AuthMetrics `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
	metrics  *metrics.AuthMetrics
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, orgID, userID snowflake.ID, action Action) (Role, error) {
	if userID == 0 {
		return "", ErrInvalidActor
	}
	if orgID == 0 {
		return "", ErrInvalidOrganization
	}
	if strings.TrimSpace(string(action)) == "" {
		return "", ErrInvalidAction
	}

	role, err := s.ResolveRole(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			s.deny(ctx, orgID, userID, "", action)
			return "", ErrForbidden
		}
		return "", err
	}

	subject := userSubject(userID)
	domain := orgDomain(orgID)
	if err := s.ensureGrouping(subject, role.subject(), domain); err != nil {
		return "", err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, action.Object(), string(action))
	if err != nil {
		return "", err
	}
	if !allowed {
		s.deny(ctx, orgID, userID, role, action)
		return role, ErrForbidden
	}

	s.metrics.RecordAuthzDecision(string(action), true)
	return role, nil
}

func (s *ServiceImpl) ResolveRole(ctx context.Context, orgID, userID snowflake.ID) (Role, error) {
	var row struct {
		Role string `gorm:"column:role"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT role
		 FROM organization_members
		 WHERE org_id = ? AND user_id = ?
		 LIMIT 1`,
		orgID,
		userID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	if strings.TrimSpace(row.Role) == "" {
		return "", ErrNotMember
	}
	role, err := ParseRole(row.Role)
	if err != nil {
		s.log.Warn("unknown membership role", zap.String("role", row.Role), zap.String("org_id", orgID.String()))
		return "", ErrNotMember
	}
	return role, nil
}

// ensureGrouping keeps exactly one role link for subject in domain so a role
// change in the membership table takes effect on the next decision.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
				return err
			}
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) deny(ctx context.Context, orgID, userID snowflake.ID, role Role, action Action) {
	s.metrics.RecordAuthzDecision(string(action), false)
	s.log.Debug("authorization denied",
		zap.String("org_id", orgID.String()),
		zap.String("user_id", userID.String()),
		zap.String("role", string(role)),
		zap.String("action", string(action)),
	)
	if s.auditSvc == nil {
		return
	}
	actorID := userID.String()
	targetID := string(action)
	_ = s.auditSvc.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeUser), &actorID, auditdomain.ActionAuthorizationDenied, "authorization", &targetID, map[string]any{
		"object": action.Object(),
		"action": string(action),
		"role":   string(role),
	})
}

func userSubject(userID snowflake.ID) string {
	return fmt.Sprintf("user:%s", userID.String())
}

func orgDomain(orgID snowflake.ID) string {
	return fmt.Sprintf("org:%s", orgID.String())
}

// seedPolicies mirrors the permission table into casbin and drops stored
// rules that are no longer granted.
func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	stored, err := enforcer.GetPolicy()
	if err != nil {
		return err
	}
	for _, rule := range stored {
		if len(rule) >= 3 && grants(rule[0], rule[1], rule[2]) {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := enforcer.RemovePolicy(params...); err != nil {
			return err
		}
	}

	for _, role := range Roles {
		for _, action := range permissions[role] {
			has, err := enforcer.HasPolicy(role.subject(), action.Object(), string(action))
			if err != nil {
				return err
			}
			if has {
				continue
			}
			if _, err := enforcer.AddPolicy(role.subject(), action.Object(), string(action)); err != nil {
				return err
			}
		}
	}
	return nil
}

func grants(subject, object, action string) bool {
	for _, role := range Roles {
		if role.subject() != subject {
			continue
		}
		a := Action(action)
		return a.Object() == object && Can(role, a)
	}
	return false
}
