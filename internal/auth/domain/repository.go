package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Repository interface {
	Create(ctx context.Context, user *User) error
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id snowflake.ID) (*User, error)
	UpdateFields(ctx context.Context, id snowflake.ID, fields map[string]any) error
	Delete(ctx context.Context, id snowflake.ID) error

	CreateAccount(ctx context.Context, account *Account) error
	CreateWithAccount(ctx context.Context, user *User, account *Account) error
	FindAccount(ctx context.Context, providerID, providerAccountID string) (*Account, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	GetSession(ctx context.Context, id snowflake.ID) (*Session, error)
	ListActiveSessions(ctx context.Context, userID snowflake.ID, now time.Time) ([]Session, error)
	UpdateLastSeen(ctx context.Context, sessionID snowflake.ID, lastSeen time.Time) error
	UpdateActiveOrg(ctx context.Context, sessionID snowflake.ID, orgID *snowflake.ID) error
	ClearActiveOrg(ctx context.Context, orgID snowflake.ID, userID *snowflake.ID) error
	RevokeSession(ctx context.Context, sessionID snowflake.ID, revokedAt time.Time) (bool, error)
	RevokeUserSessions(ctx context.Context, userID snowflake.ID, exceptID *snowflake.ID, revokedAt time.Time) (int64, error)
}
