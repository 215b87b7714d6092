package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	UserID string `json:"user_id"`
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewStore(client)
}

func TestStore_ConsumeIsSingleUse(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, PurposePasswordReset, payload{UserID: "42"}, time.Hour)
	require.NoError(t, err)

	var got payload
	require.NoError(t, store.Consume(ctx, PurposePasswordReset, raw, &got))
	assert.Equal(t, "42", got.UserID)

	err = store.Consume(ctx, PurposePasswordReset, raw, &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PurposesAreIsolated(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, PurposeMagicLink, payload{UserID: "1"}, time.Minute)
	require.NoError(t, err)

	err = store.Consume(ctx, PurposePasswordReset, raw, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Expires(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, PurposeSignInOTP, payload{UserID: "1"}, time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	err = store.Get(ctx, PurposeSignInOTP, raw, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RawTokenNeverStored(t *testing.T) {
	mr, store := newTestStore(t)

	raw, err := store.Issue(context.Background(), PurposePasswordReset, payload{UserID: "1"}, time.Minute)
	require.NoError(t, err)

	for _, k := range mr.Keys() {
		assert.NotContains(t, k, raw)
	}
	assert.True(t, mr.Exists("auth:token:password_reset:"+Hash(raw)))
}

func TestStore_RecordFailureLocksOut(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, PurposeTwoFactorOTP, "challenge", payload{UserID: "1"}, time.Minute))

	require.NoError(t, store.RecordFailure(ctx, PurposeTwoFactorOTP, "challenge", 3, time.Minute))
	require.NoError(t, store.RecordFailure(ctx, PurposeTwoFactorOTP, "challenge", 3, time.Minute))
	err := store.RecordFailure(ctx, PurposeTwoFactorOTP, "challenge", 3, time.Minute)
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	err = store.Get(ctx, PurposeTwoFactorOTP, "challenge", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UnavailableRedis(t *testing.T) {
	mr, store := newTestStore(t)
	mr.Close()

	_, err := store.Issue(context.Background(), PurposePasswordReset, payload{}, time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewNumericCode(t *testing.T) {
	code, err := NewNumericCode(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, r := range code {
		assert.True(t, r >= '0' && r <= '9')
	}
}

func TestStore_VerifyCodeConsumesOnMatch(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	code, err := store.IssueCode(ctx, PurposeSignInOTP, "alice@example.com", 6, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, store.VerifyCode(ctx, PurposeSignInOTP, "alice@example.com", code, 3, 5*time.Minute))
	err = store.VerifyCode(ctx, PurposeSignInOTP, "alice@example.com", code, 3, 5*time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_VerifyCodeLimitsAttempts(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	code, err := store.IssueCode(ctx, PurposeTwoFactorOTP, "challenge", 6, 5*time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, store.VerifyCode(ctx, PurposeTwoFactorOTP, "challenge", "xxxxxx", 2, time.Minute), ErrCodeMismatch)
	assert.ErrorIs(t, store.VerifyCode(ctx, PurposeTwoFactorOTP, "challenge", "xxxxxx", 2, time.Minute), ErrTooManyAttempts)
	assert.ErrorIs(t, store.VerifyCode(ctx, PurposeTwoFactorOTP, "challenge", code, 2, time.Minute), ErrNotFound)
}

func TestStore_IssueCodeResetsAttempts(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	_, err := store.IssueCode(ctx, PurposeSignInOTP, "bob@example.com", 6, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, store.VerifyCode(ctx, PurposeSignInOTP, "bob@example.com", "bad", 2, time.Minute), ErrCodeMismatch)

	code, err := store.IssueCode(ctx, PurposeSignInOTP, "bob@example.com", 6, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, store.VerifyCode(ctx, PurposeSignInOTP, "bob@example.com", "bad", 2, time.Minute), ErrCodeMismatch)
	assert.NoError(t, store.VerifyCode(ctx, PurposeSignInOTP, "bob@example.com", code, 2, time.Minute))
}
