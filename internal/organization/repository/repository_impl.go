package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/internal/organization/domain"
	"github.com/smallbiznis/workspace/pkg/db"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	err := r.db.WithContext(ctx).Create(org).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrSlugTaken
	}
	return err
}

func (r *repository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Organization{}).Where("slug = ?", slug).Count(&count).Error
	return count > 0, err
}

func (r *repository) GetOrganization(ctx context.Context, orgID snowflake.ID) (*domain.Organization, error) {
	var org domain.Organization
	err := r.db.WithContext(ctx).First(&org, "id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// DeleteOrganization removes the organization with its members and invitations.
func (r *repository) DeleteOrganization(ctx context.Context, orgID snowflake.ID) error {
	db := r.db.WithContext(ctx)
	if err := db.Exec(`DELETE FROM invitations WHERE org_id = ?`, orgID).Error; err != nil {
		return err
	}
	if err := db.Where("org_id = ?", orgID).Delete(&domain.OrganizationMember{}).Error; err != nil {
		return err
	}
	res := db.Where("id = ?", orgID).Delete(&domain.Organization{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrOrganizationNotFound
	}
	return nil
}

func (r *repository) AddMember(ctx context.Context, member *domain.OrganizationMember) error {
	err := r.db.WithContext(ctx).Create(member).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrAlreadyMember
	}
	return err
}

func (r *repository) GetMember(ctx context.Context, orgID, userID snowflake.ID) (*domain.OrganizationMember, error) {
	var member domain.OrganizationMember
	err := r.db.WithContext(ctx).Where("org_id = ? AND user_id = ?", orgID, userID).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *repository) ListMembers(ctx context.Context, orgID snowflake.ID) ([]domain.MemberView, error) {
	var items []domain.MemberView
	err := r.db.WithContext(ctx).Raw(
		`SELECT m.id, m.org_id, m.user_id, m.role, u.name, u.email, u.image, m.created_at
		 FROM organization_members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.org_id = ?
		 ORDER BY m.created_at ASC, m.id ASC`,
		orgID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) RemoveMember(ctx context.Context, orgID, userID snowflake.ID) (bool, error) {
	res := r.db.WithContext(ctx).Where("org_id = ? AND user_id = ?", orgID, userID).Delete(&domain.OrganizationMember{})
	return res.RowsAffected > 0, res.Error
}

func (r *repository) UpdateMemberRole(ctx context.Context, orgID, userID snowflake.ID, role string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.OrganizationMember{}).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Update("role", role)
	return res.RowsAffected > 0, res.Error
}

func (r *repository) ListOrganizationsByUser(ctx context.Context, userID snowflake.ID) ([]domain.OrganizationListItem, error) {
	var items []domain.OrganizationListItem
	err := r.db.WithContext(ctx).Raw(
		`SELECT o.id, o.name, o.slug, o.logo, m.role, o.created_at
		 FROM organizations o
		 JOIN organization_members m ON m.org_id = o.id
		 WHERE m.user_id = ?
		 ORDER BY o.created_at ASC`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}

	return items, nil
}
