package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, inv *Invitation) error
	Get(ctx context.Context, id snowflake.ID) (*Invitation, error)
	GetView(ctx context.Context, id snowflake.ID) (*View, error)
	HasPending(ctx context.Context, orgID snowflake.ID, email string, now time.Time) (bool, error)
	IsMemberEmail(ctx context.Context, orgID snowflake.ID, email string) (bool, error)
	// Transition moves a live pending invitation to status and reports
	// whether a row changed.
	Transition(ctx context.Context, id snowflake.ID, status Status, now time.Time) (bool, error)
	ListByOrg(ctx context.Context, orgID snowflake.ID) ([]View, error)
	ListPendingByEmail(ctx context.Context, email string, now time.Time) ([]View, error)
}
