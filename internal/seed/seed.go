package seed

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/password"
	"github.com/smallbiznis/workspace/internal/authorization"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	organizationdomain "github.com/smallbiznis/workspace/internal/organization/domain"
	"gorm.io/gorm"
)

const defaultOrgName = "Main"

var ErrBootstrapPassword = errors.New("bootstrap admin password is required")

// EnsureBootstrapAdmin seeds a verified owner account and its organization.
// Every step is idempotent so it is safe to run on each start.
func EnsureBootstrapAdmin(ctx context.Context, db *gorm.DB, node *snowflake.Node, clk clock.Clock, cfg config.BootstrapConfig) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" {
		return nil
	}
	if cfg.AdminPassword == "" {
		return ErrBootstrapPassword
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := ensureAdminTx(ctx, tx, node, clk, email, cfg)
		if err != nil {
			return err
		}
		org, err := ensureOrgTx(ctx, tx, node, clk, cfg.OrgName)
		if err != nil {
			return err
		}
		return ensureOwnerTx(ctx, tx, node, clk, org.ID, user.ID)
	})
}

func ensureAdminTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clk clock.Clock, email string, cfg config.BootstrapConfig) (authdomain.User, error) {
	var user authdomain.User
	err := tx.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return user, err
	}

	hashed, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return user, err
	}
	name := strings.TrimSpace(cfg.AdminName)
	if name == "" {
		name = "Admin"
	}
	now := clk.Now().UTC()
	user = authdomain.User{
		ID:                  node.Generate(),
		Name:                name,
		Email:               email,
		EmailVerified:       true,
		PasswordHash:        &hashed,
		LastPasswordChanged: &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return user, tx.WithContext(ctx).Create(&user).Error
}

func ensureOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clk clock.Clock, name string) (organizationdomain.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultOrgName
	}
	orgSlug := slug.Make(name)

	var org organizationdomain.Organization
	err := tx.WithContext(ctx).Where("slug = ?", orgSlug).First(&org).Error
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return org, err
	}

	now := clk.Now().UTC()
	org = organizationdomain.Organization{
		ID:        node.Generate(),
		Name:      name,
		Slug:      orgSlug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return org, tx.WithContext(ctx).Create(&org).Error
}

func ensureOwnerTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, clk clock.Clock, orgID, userID snowflake.ID) error {
	var count int64
	if err := tx.WithContext(ctx).
		Model(&organizationdomain.OrganizationMember{}).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return tx.WithContext(ctx).Create(&organizationdomain.OrganizationMember{
		ID:        node.Generate(),
		OrgID:     orgID,
		UserID:    userID,
		Role:      string(authorization.RoleOwner),
		CreatedAt: clk.Now().UTC(),
	}).Error
}
