package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/workspace/internal/audit/domain"
	"gorm.io/gorm"
)

// auditRepository is stateless; callers pass the handle so audit rows can
// join their transaction.
type auditRepository struct{}

func Provide() domain.Repository {
	return auditRepository{}
}

func (auditRepository) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

// List returns up to Limit+1 rows newest first so the caller can tell whether
// another page exists.
func (auditRepository) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.AuditLog, error) {
	stmt := db.WithContext(ctx).Model(&domain.AuditLog{}).Where("org_id = ?", filter.OrgID)

	for column, value := range map[string]string{
		"action":      filter.Action,
		"target_type": filter.TargetType,
		"target_id":   filter.TargetID,
		"actor_type":  filter.ActorType,
	} {
		if v := strings.TrimSpace(value); v != "" {
			stmt = stmt.Where(column+" = ?", v)
		}
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	if c := filter.Cursor; c != nil {
		stmt = stmt.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt.UTC(), c.CreatedAt.UTC(), c.ID)
	}

	stmt = stmt.Order("created_at DESC").Order("id DESC")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []domain.AuditLog
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
