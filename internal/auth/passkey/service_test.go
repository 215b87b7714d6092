package passkey

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/go-webauthn/webauthn/webauthn"
	redis "github.com/redis/go-redis/v9"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/auth/repository"
	"github.com/smallbiznis/workspace/internal/auth/secret"
	authservice "github.com/smallbiznis/workspace/internal/auth/service"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type testEnv struct {
	svc   *Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	user  *authdomain.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&authdomain.User{}, &authdomain.Session{}, &authdomain.Account{}, &Passkey{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tokens := token.NewStore(client)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	redirects, err := redirect.NewValidator(config.Config{AppBaseURL: "http://localhost:3000"})
	require.NoError(t, err)

	policy := config.DefaultAuthPolicy()
	policy.SendWelcomeEmail = false
	holder := config.NewStaticPolicy(policy)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	repo, sessionRepo := repository.New(conn)
	auth := authservice.New(authservice.Params{
		Log:         zap.NewNop(),
		Policy:      holder,
		Repo:        repo,
		SessionRepo: sessionRepo,
		GenID:       node,
		Clock:       fake,
		Tokens:      tokens,
		Keyring:     secret.NewStaticKeyring("test-secret"),
		Redirects:   redirects,
	})

	svc, err := NewService(Params{
		DB:  conn,
		Log: zap.NewNop(),
		Config: config.Config{WebAuthn: config.WebAuthnConfig{
			RPID:          "localhost",
			RPDisplayName: "Workspace",
			RPOrigins:     []string{"http://localhost:3000"},
		}},
		Auth:   auth,
		Tokens: tokens,
		Policy: holder,
		Clock:  fake,
		GenID:  node,
	})
	require.NoError(t, err)

	res, err := auth.SignUp(context.Background(), authdomain.SignUpRequest{
		Name:     "Alice",
		Email:    "alice@example.com",
		Password: "correct-password",
	})
	require.NoError(t, err)

	return &testEnv{svc: svc, db: conn, node: node, clock: fake, user: res.User}
}

func (e *testEnv) insertPasskey(t *testing.T, userID snowflake.ID, rawID []byte) *Passkey {
	t.Helper()
	pk := &Passkey{
		ID:           e.node.Generate(),
		UserID:       userID,
		Name:         "Laptop",
		CredentialID: encodeID(rawID),
		Credential:   datatypes.NewJSONType(webauthn.Credential{ID: rawID, PublicKey: []byte{1, 2, 3}}),
		CreatedAt:    e.clock.Now(),
	}
	require.NoError(t, e.db.Create(pk).Error)
	return pk
}

func TestBeginRegistrationExcludesExistingCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.insertPasskey(t, env.user.ID, []byte("cred-1"))

	options, ceremonyID, err := env.svc.BeginRegistration(ctx, env.user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, ceremonyID)
	assert.Equal(t, "localhost", options.Response.RelyingParty.ID)
	require.Len(t, options.Response.CredentialExcludeList, 1)
	assert.Equal(t, []byte("cred-1"), []byte(options.Response.CredentialExcludeList[0].CredentialID))
}

func TestFinishRegistrationRejectsForeignCeremony(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, ceremonyID, err := env.svc.BeginRegistration(ctx, env.user.ID)
	require.NoError(t, err)

	_, err = env.svc.FinishRegistration(ctx, env.node.Generate(), ceremonyID, "Phone", []byte(`{}`))
	assert.ErrorIs(t, err, ErrRegistrationFailed)

	// consumed by the failed attempt
	_, err = env.svc.FinishRegistration(ctx, env.user.ID, ceremonyID, "Phone", []byte(`{}`))
	assert.ErrorIs(t, err, ErrRegistrationFailed)
}

func TestFinishRegistrationRejectsMalformedResponse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, ceremonyID, err := env.svc.BeginRegistration(ctx, env.user.ID)
	require.NoError(t, err)

	_, err = env.svc.FinishRegistration(ctx, env.user.ID, ceremonyID, "Phone", []byte(`not json`))
	assert.ErrorIs(t, err, ErrRegistrationFailed)
}

func TestFinishSignInFailuresAreUniform(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.FinishSignIn(ctx, "unknown", []byte(`{}`), authdomain.SessionOptions{})
	assert.ErrorIs(t, err, authdomain.ErrPasskeyAuthFailed)

	options, ceremonyID, err := env.svc.BeginSignIn(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, options.Response.Challenge)

	_, err = env.svc.FinishSignIn(ctx, ceremonyID, []byte(`garbage`), authdomain.SessionOptions{})
	assert.ErrorIs(t, err, authdomain.ErrPasskeyAuthFailed)

	_, err = env.svc.FinishSignIn(ctx, ceremonyID, []byte(`garbage`), authdomain.SessionOptions{})
	assert.ErrorIs(t, err, authdomain.ErrPasskeyAuthFailed)
}

func TestRegistrationCeremonyCannotSignIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, ceremonyID, err := env.svc.BeginRegistration(ctx, env.user.ID)
	require.NoError(t, err)

	_, err = env.svc.FinishSignIn(ctx, ceremonyID, []byte(`{}`), authdomain.SessionOptions{})
	assert.ErrorIs(t, err, authdomain.ErrPasskeyAuthFailed)
}

func TestListAndDeleteAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mine := env.insertPasskey(t, env.user.ID, []byte("cred-mine"))
	other := env.node.Generate()
	theirs := env.insertPasskey(t, other, []byte("cred-theirs"))

	items, err := env.svc.List(ctx, env.user.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, mine.ID, items[0].ID)
	assert.Equal(t, []byte("cred-mine"), items[0].Credential.Data().ID)

	assert.ErrorIs(t, env.svc.Delete(ctx, env.user.ID, theirs.ID), ErrNotFound)
	require.NoError(t, env.svc.Delete(ctx, env.user.ID, mine.ID))
	assert.ErrorIs(t, env.svc.Delete(ctx, env.user.ID, mine.ID), ErrNotFound)
}
