package repository

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUserDuplicateEmail(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&domain.User{}, &domain.Account{}))
	users, _ := New(conn)

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, users.Create(ctx, &domain.User{ID: 1, Name: "Alice", Email: "alice@example.com", CreatedAt: now, UpdatedAt: now}))

	err = users.Create(ctx, &domain.User{ID: 2, Name: "Alice Again", Email: "alice@example.com", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, domain.ErrUserExists)

	err = users.CreateWithAccount(ctx,
		&domain.User{ID: 3, Name: "Alice Social", Email: "alice@example.com", CreatedAt: now, UpdatedAt: now},
		&domain.Account{ID: 4, UserID: 3, ProviderID: "google", ProviderAccountID: "g-1", CreatedAt: now, UpdatedAt: now},
	)
	assert.ErrorIs(t, err, domain.ErrUserExists)
}
