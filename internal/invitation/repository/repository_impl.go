package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/workspace/internal/invitation/domain"
	"gorm.io/gorm"
)

const viewSelect = `SELECT i.*, o.name AS org_name, o.slug AS org_slug, COALESCE(u.name, '') AS inviter_name
	 FROM invitations i
	 JOIN organizations o ON o.id = i.org_id
	 LEFT JOIN users u ON u.id = i.inviter_id`

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, inv *domain.Invitation) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *repository) Get(ctx context.Context, id snowflake.ID) (*domain.Invitation, error) {
	var inv domain.Invitation
	err := r.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) GetView(ctx context.Context, id snowflake.ID) (*domain.View, error) {
	var items []domain.View
	if err := r.db.WithContext(ctx).Raw(viewSelect+` WHERE i.id = ?`, id).Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrNotFound
	}
	return &items[0], nil
}

func (r *repository) HasPending(ctx context.Context, orgID snowflake.ID, email string, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Invitation{}).
		Where("org_id = ? AND email = ? AND status = ? AND expires_at > ?", orgID, email, domain.StatusPending, now).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) IsMemberEmail(ctx context.Context, orgID snowflake.ID, email string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM organization_members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.org_id = ? AND u.email = ?`,
		orgID,
		email,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repository) Transition(ctx context.Context, id snowflake.ID, status domain.Status, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Invitation{}).
		Where("id = ? AND status = ? AND expires_at > ?", id, domain.StatusPending, now).
		Updates(map[string]any{
			"status":       status,
			"responded_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *repository) ListByOrg(ctx context.Context, orgID snowflake.ID) ([]domain.View, error) {
	var items []domain.View
	err := r.db.WithContext(ctx).Raw(viewSelect+` WHERE i.org_id = ? ORDER BY i.created_at DESC, i.id DESC`, orgID).Scan(&items).Error
	return items, err
}

func (r *repository) ListPendingByEmail(ctx context.Context, email string, now time.Time) ([]domain.View, error) {
	var items []domain.View
	err := r.db.WithContext(ctx).Raw(
		viewSelect+` WHERE i.email = ? AND i.status = ? AND i.expires_at > ? ORDER BY i.created_at DESC`,
		email,
		domain.StatusPending,
		now,
	).Scan(&items).Error
	return items, err
}
