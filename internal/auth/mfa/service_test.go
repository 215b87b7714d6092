package mfa

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	redis "github.com/redis/go-redis/v9"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	authrepo "github.com/smallbiznis/workspace/internal/auth/repository"
	"github.com/smallbiznis/workspace/internal/auth/secret"
	authservice "github.com/smallbiznis/workspace/internal/auth/service"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/clock"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/smallbiznis/workspace/internal/providers/email"
	"github.com/smallbiznis/workspace/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testPassword = "correct-password"

var codePattern = regexp.MustCompile(`>(\d{6})<`)

type outbox struct {
	mu     sync.Mutex
	bodies []string
	flush  func()
}

func (o *outbox) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies = append(o.bodies, htmlBody)
	return nil
}

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	if o.flush != nil {
		o.flush()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.bodies)
	match := codePattern.FindStringSubmatch(o.bodies[len(o.bodies)-1])
	require.Len(t, match, 2)
	return match[1]
}

type testEnv struct {
	mfa    *Service
	auth   authdomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
	mail   *outbox
	user   *authdomain.User
	policy config.AuthPolicy
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&authdomain.User{}, &authdomain.Session{}, &authdomain.Account{}, &TwoFactor{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tokens := token.NewStore(client)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	redirects, err := redirect.NewValidator(config.Config{AppBaseURL: "http://localhost:3000"})
	require.NoError(t, err)

	mail := &outbox{}
	notifier, err := email.NewNotifier(mail, "Workspace", zap.NewNop(), nil)
	require.NoError(t, err)
	mail.flush = func() { _ = notifier.Wait(context.Background()) }

	policy := config.DefaultAuthPolicy()
	policy.SendWelcomeEmail = false
	holder := config.NewStaticPolicy(policy)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	keyring := secret.NewStaticKeyring("test-secret")

	repo, sessionRepo := authrepo.New(conn)
	auth := authservice.New(authservice.Params{
		Log:         zap.NewNop(),
		Policy:      holder,
		Repo:        repo,
		SessionRepo: sessionRepo,
		GenID:       node,
		Clock:       fake,
		Tokens:      tokens,
		Keyring:     keyring,
		Redirects:   redirects,
		Notifier:    notifier,
	})

	svc, err := NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		Auth:     auth,
		Tokens:   tokens,
		Keyring:  keyring,
		Policy:   holder,
		Clock:    fake,
		GenID:    node,
		Notifier: notifier,
	})
	require.NoError(t, err)

	res, err := auth.SignUp(context.Background(), authdomain.SignUpRequest{
		Name:     "Alice",
		Email:    "alice@example.com",
		Password: testPassword,
	})
	require.NoError(t, err)

	return &testEnv{mfa: svc, auth: auth, db: conn, clock: fake, mail: mail, user: res.User, policy: policy}
}

func (e *testEnv) enroll(t *testing.T) (string, []string) {
	t.Helper()
	ctx := context.Background()

	res, err := e.mfa.Enable(ctx, e.user.ID, testPassword)
	require.NoError(t, err)
	key, err := otp.NewKeyFromURL(res.TotpURI)
	require.NoError(t, err)

	code, err := totp.GenerateCode(key.Secret(), e.clock.Now())
	require.NoError(t, err)
	confirmed, err := e.mfa.ConfirmEnable(ctx, e.user.ID, code)
	require.NoError(t, err)

	// the enrollment code's time step is spent
	e.clock.Advance(30 * time.Second)
	return key.Secret(), confirmed.BackupCodes
}

func (e *testEnv) challenge(t *testing.T, trusted string) string {
	t.Helper()
	res, err := e.auth.SignInWithCredentials(context.Background(), authdomain.CredentialsSignInRequest{
		Email:              "alice@example.com",
		Password:           testPassword,
		RememberMe:         true,
		TrustedDeviceToken: trusted,
	})
	require.NoError(t, err)
	require.True(t, res.TwoFactorRequired)
	return res.ChallengeToken
}

func (e *testEnv) state(t *testing.T) State {
	t.Helper()
	st, err := e.mfa.State(context.Background(), e.user.ID)
	require.NoError(t, err)
	return st
}

func TestEnrollmentStateMachine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	assert.Equal(t, StateDisabled, env.state(t))

	_, err := env.mfa.Enable(ctx, env.user.ID, "wrong-password")
	assert.ErrorIs(t, err, authdomain.ErrInvalidCredentials)
	assert.Equal(t, StateDisabled, env.state(t))

	res, err := env.mfa.Enable(ctx, env.user.ID, testPassword)
	require.NoError(t, err)
	assert.Contains(t, res.TotpURI, "otpauth://totp/")
	assert.Equal(t, StateAwaitingOtpConfirmation, env.state(t))

	key, err := otp.NewKeyFromURL(res.TotpURI)
	require.NoError(t, err)

	_, err = env.mfa.ConfirmEnable(ctx, env.user.ID, "000000")
	assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)
	assert.Equal(t, StateAwaitingOtpConfirmation, env.state(t), "pending secret survives a wrong code")

	code, err := totp.GenerateCode(key.Secret(), env.clock.Now())
	require.NoError(t, err)
	confirmed, err := env.mfa.ConfirmEnable(ctx, env.user.ID, code)
	require.NoError(t, err)
	assert.Len(t, confirmed.BackupCodes, env.policy.BackupCodeCount)
	assert.Equal(t, StateEnabled, env.state(t))

	user, err := env.auth.GetUser(ctx, env.user.ID)
	require.NoError(t, err)
	assert.True(t, user.TwoFactorEnabled)

	_, err = env.mfa.Enable(ctx, env.user.ID, testPassword)
	assert.ErrorIs(t, err, authdomain.ErrInvalidState)
}

func TestSecretIsEncryptedAtRest(t *testing.T) {
	env := newTestEnv(t)
	secretValue, _ := env.enroll(t)

	var row TwoFactor
	require.NoError(t, env.db.Where("user_id = ?", env.user.ID).First(&row).Error)
	require.NotNil(t, row.Secret)
	assert.NotContains(t, *row.Secret, secretValue)
	assert.Nil(t, row.PendingSecret)
}

func TestConfirmWithoutPendingSecret(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mfa.ConfirmEnable(context.Background(), env.user.ID, "123456")
	assert.ErrorIs(t, err, authdomain.ErrInvalidState)
}

func TestReEnableReplacesPendingSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.mfa.Enable(ctx, env.user.ID, testPassword)
	require.NoError(t, err)
	second, err := env.mfa.Enable(ctx, env.user.ID, testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, first.TotpURI, second.TotpURI)

	key, err := otp.NewKeyFromURL(first.TotpURI)
	require.NoError(t, err)
	stale, err := totp.GenerateCode(key.Secret(), env.clock.Now())
	require.NoError(t, err)
	_, err = env.mfa.ConfirmEnable(ctx, env.user.ID, stale)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)
}

func TestVerifyTotpIssuesSessionAndRejectsReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secretValue, _ := env.enroll(t)

	challenge := env.challenge(t, "")
	_, err := env.mfa.VerifyTotp(ctx, challenge, "000000", false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)

	code, err := totp.GenerateCode(secretValue, env.clock.Now())
	require.NoError(t, err)
	res, err := env.mfa.VerifyTotp(ctx, challenge, code, false)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.True(t, res.Session.Persistent, "remember me is carried through the challenge")

	_, err = env.mfa.VerifyTotp(ctx, challenge, code, false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOrExpiredToken)

	replay := env.challenge(t, "")
	_, err = env.mfa.VerifyTotp(ctx, replay, code, false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)
}

func TestChallengeAttemptLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secretValue, _ := env.enroll(t)

	challenge := env.challenge(t, "")
	for i := 0; i < env.policy.OTPMaxAttempts; i++ {
		_, err := env.mfa.VerifyTotp(ctx, challenge, "000000", false)
		assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)
	}

	code, err := totp.GenerateCode(secretValue, env.clock.Now())
	require.NoError(t, err)
	_, err = env.mfa.VerifyTotp(ctx, challenge, code, false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOrExpiredToken)
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, codes := env.enroll(t)

	res, err := env.mfa.VerifyBackupCode(ctx, env.challenge(t, ""), codes[0], false)
	require.NoError(t, err)
	assert.NotNil(t, res.Session)

	_, err = env.mfa.VerifyBackupCode(ctx, env.challenge(t, ""), codes[0], false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)

	fresh, err := env.mfa.GenerateBackupCodes(ctx, env.user.ID, testPassword)
	require.NoError(t, err)
	_, err = env.mfa.VerifyBackupCode(ctx, env.challenge(t, ""), codes[1], false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)
	_, err = env.mfa.VerifyBackupCode(ctx, env.challenge(t, ""), fresh[0], false)
	assert.NoError(t, err)
}

func TestEmailOtpSecondFactor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enroll(t)

	challenge := env.challenge(t, "")
	require.NoError(t, env.mfa.SendOtp(ctx, challenge))
	code := env.mail.lastCode(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err := env.mfa.VerifyOtp(ctx, challenge, wrong, false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOtp)

	res, err := env.mfa.VerifyOtp(ctx, challenge, code, false)
	require.NoError(t, err)
	assert.NotNil(t, res.Session)

	_, err = env.mfa.VerifyOtp(ctx, challenge, code, false)
	assert.ErrorIs(t, err, authdomain.ErrInvalidOrExpiredToken)

	err = env.mfa.SendOtp(ctx, "unknown-challenge")
	assert.ErrorIs(t, err, authdomain.ErrInvalidOrExpiredToken)
}

func TestTrustedDeviceSkipsChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secretValue, _ := env.enroll(t)

	code, err := totp.GenerateCode(secretValue, env.clock.Now())
	require.NoError(t, err)
	res, err := env.mfa.VerifyTotp(ctx, env.challenge(t, ""), code, true)
	require.NoError(t, err)
	require.NotEmpty(t, res.TrustedDeviceToken)

	out, err := env.auth.SignInWithCredentials(ctx, authdomain.CredentialsSignInRequest{
		Email:              "alice@example.com",
		Password:           testPassword,
		TrustedDeviceToken: res.TrustedDeviceToken,
	})
	require.NoError(t, err)
	assert.False(t, out.TwoFactorRequired)
	assert.NotNil(t, out.Session)
}

func TestDisableRequiresOnlyPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.mfa.Disable(ctx, env.user.ID, testPassword), authdomain.ErrInvalidState)

	env.enroll(t)
	assert.ErrorIs(t, env.mfa.Disable(ctx, env.user.ID, "wrong-password"), authdomain.ErrInvalidCredentials)
	assert.Equal(t, StateEnabled, env.state(t))

	require.NoError(t, env.mfa.Disable(ctx, env.user.ID, testPassword))
	assert.Equal(t, StateDisabled, env.state(t))

	out, err := env.auth.SignInWithCredentials(ctx, authdomain.CredentialsSignInRequest{Email: "alice@example.com", Password: testPassword})
	require.NoError(t, err)
	assert.False(t, out.TwoFactorRequired)
}

func TestDisableAbandonsPendingEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mfa.Enable(ctx, env.user.ID, testPassword)
	require.NoError(t, err)
	require.NoError(t, env.mfa.Disable(ctx, env.user.ID, testPassword))
	assert.Equal(t, StateDisabled, env.state(t))
}

func TestGetTotpURI(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mfa.GetTotpURI(ctx, env.user.ID, testPassword)
	assert.ErrorIs(t, err, authdomain.ErrInvalidState)

	secretValue, _ := env.enroll(t)
	uri, err := env.mfa.GetTotpURI(ctx, env.user.ID, testPassword)
	require.NoError(t, err)
	key, err := otp.NewKeyFromURL(uri)
	require.NoError(t, err)
	assert.Equal(t, secretValue, key.Secret())
	assert.Equal(t, "alice@example.com", key.AccountName())
}
