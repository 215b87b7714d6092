package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	authconfig "github.com/smallbiznis/workspace/internal/auth/config"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAuth struct {
	authdomain.Service
	identities []authdomain.ExternalIdentity
	challenge  string
}

func (r *recordingAuth) SignInWithIdentity(ctx context.Context, identity authdomain.ExternalIdentity, opts authdomain.SessionOptions) (*authdomain.SignInResult, error) {
	r.identities = append(r.identities, identity)
	if r.challenge != "" {
		return &authdomain.SignInResult{TwoFactorRequired: true, ChallengeToken: r.challenge}, nil
	}
	return &authdomain.SignInResult{Session: &authdomain.SessionResult{RawToken: "session-token"}}, nil
}

type fakeProvider struct {
	server   *httptest.Server
	verifier string
	profile  map[string]any
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{profile: map[string]any{
		"sub":            "ext-42",
		"email":          "alice@example.com",
		"email_verified": true,
		"name":           "Alice",
		"picture":        "https://img.example.com/a.png",
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		fp.verifier = r.PostForm.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer"}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fp.profile)
	})
	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func newTestService(t *testing.T, fp *fakeProvider) (*Service, *recordingAuth) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{AppBaseURL: "http://localhost:3000", TrustedOrigins: []string{"http://localhost:3000"}}
	redirects, err := redirect.NewValidator(cfg)
	require.NoError(t, err)

	registry := authconfig.BuildAuthProviderRegistry(map[string]authconfig.AuthProviderConfig{
		"google": {
			Name:        "Google",
			Enabled:     true,
			ClientID:    "client-id",
			AuthURL:     fp.server.URL + "/authorize",
			TokenURL:    fp.server.URL + "/token",
			APIURL:      fp.server.URL + "/userinfo",
			Scopes:      []string{"openid", "email"},
			AllowSignUp: true,
		},
	}, zap.NewNop())

	auth := &recordingAuth{}
	svc := NewService(Params{
		Log:        zap.NewNop(),
		Config:     cfg,
		Registry:   registry,
		Auth:       auth,
		Tokens:     token.NewStore(client),
		Redirects:  redirects,
		HTTPClient: fp.server.Client(),
	})
	return svc, auth
}

func beginState(t *testing.T, svc *Service) (string, *url.URL) {
	t.Helper()
	raw, err := svc.Begin(context.Background(), "google", BeginRequest{CallbackURL: "/dashboard"})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state"), u
}

func TestBeginBuildsPKCEAuthorizationURL(t *testing.T) {
	fp := newFakeProvider(t)
	svc, _ := newTestService(t, fp)

	state, u := beginState(t, svc)
	q := u.Query()
	assert.NotEmpty(t, state)
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "http://localhost:3000/api/auth/callback/google", q.Get("redirect_uri"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "openid email", q.Get("scope"))
}

func TestBeginRejectsUntrustedCallback(t *testing.T) {
	fp := newFakeProvider(t)
	svc, _ := newTestService(t, fp)

	_, err := svc.Begin(context.Background(), "google", BeginRequest{CallbackURL: "https://evil.example.com"})
	assert.ErrorIs(t, err, authdomain.ErrInvalidCallbackURL)

	_, err = svc.Begin(context.Background(), "github", BeginRequest{})
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestCallbackSignsInWithIdentity(t *testing.T) {
	fp := newFakeProvider(t)
	svc, auth := newTestService(t, fp)
	state, _ := beginState(t, svc)

	res, err := svc.Callback(context.Background(), "google", CallbackRequest{State: state, Code: "good-code"})
	require.NoError(t, err)
	require.NotNil(t, res.SignIn.Session)
	assert.Equal(t, "session-token", res.SignIn.Session.RawToken)
	assert.Equal(t, "http://localhost:3000/dashboard", res.RedirectURL)
	assert.NotEmpty(t, fp.verifier)

	require.Len(t, auth.identities, 1)
	got := auth.identities[0]
	assert.Equal(t, "google", got.ProviderID)
	assert.Equal(t, "ext-42", got.AccountID)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "https://img.example.com/a.png", got.Image)
	assert.True(t, got.AllowSignUp)

	_, err = svc.Callback(context.Background(), "google", CallbackRequest{State: state, Code: "good-code"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCallbackPassesChallengeThrough(t *testing.T) {
	fp := newFakeProvider(t)
	svc, auth := newTestService(t, fp)
	auth.challenge = "challenge-token"
	state, _ := beginState(t, svc)

	res, err := svc.Callback(context.Background(), "google", CallbackRequest{State: state, Code: "good-code"})
	require.NoError(t, err)
	assert.True(t, res.SignIn.TwoFactorRequired)
	assert.Equal(t, "challenge-token", res.SignIn.ChallengeToken)
	assert.Nil(t, res.SignIn.Session)
	assert.Equal(t, "http://localhost:3000/dashboard", res.RedirectURL)
}

func TestCallbackFailures(t *testing.T) {
	fp := newFakeProvider(t)
	svc, auth := newTestService(t, fp)
	ctx := context.Background()

	_, err := svc.Callback(ctx, "google", CallbackRequest{State: "forged", Code: "good-code"})
	assert.ErrorIs(t, err, ErrInvalidState)

	state, _ := beginState(t, svc)
	assert.Equal(t, "http://localhost:3000/dashboard", svc.ErrorRedirect(ctx, state))
	_, err = svc.Callback(ctx, "google", CallbackRequest{State: state, Code: "bad-code"})
	assert.ErrorIs(t, err, ErrExchangeFailed)

	fp.profile["email_verified"] = false
	state, _ = beginState(t, svc)
	_, err = svc.Callback(ctx, "google", CallbackRequest{State: state, Code: "good-code"})
	assert.ErrorIs(t, err, ErrUnverifiedEmail)

	assert.Empty(t, auth.identities)
}

func TestClaimHelpers(t *testing.T) {
	payload := map[string]any{"id": float64(1234567), "login": "octo", "verified_email": "true"}
	assert.Equal(t, "1234567", firstClaim(payload, "sub", "id"))
	assert.Equal(t, "octo", firstClaim(payload, "name", "login"))
	verified := boolClaim(payload, "email_verified", "verified_email")
	require.NotNil(t, verified)
	assert.True(t, *verified)
	assert.Nil(t, boolClaim(payload, "missing"))
}
