package mfa

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

// find returns nil without error when the user has no row.
func (r *repository) find(ctx context.Context, userID snowflake.ID) (*TwoFactor, error) {
	var row TwoFactor
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) setUserEnabled(tx *gorm.DB, userID snowflake.ID, enabled bool) error {
	return tx.Table("users").Where("id = ?", userID).Update("two_factor_enabled", enabled).Error
}
