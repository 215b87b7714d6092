// Package oauth runs the authorization code flow (with PKCE) against the
// configured social providers and hands the resulting identity to the
// auth service.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	authconfig "github.com/smallbiznis/workspace/internal/auth/config"
	authdomain "github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"github.com/smallbiznis/workspace/internal/config"
	obstracing "github.com/smallbiznis/workspace/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	stateTTL          = 10 * time.Minute
	maxProfileBytes   = 1 << 20
	githubEmailsURL   = "https://api.github.com/user/emails"
	callbackPathBase  = "/api/auth/callback/"
	defaultCallbackTo = "/"
)

// Provider describes an active provider for discovery endpoints.
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type BeginRequest struct {
	CallbackURL      string
	ErrorCallbackURL string
}

type CallbackRequest struct {
	State   string
	Code    string
	Session authdomain.SessionOptions
}

// CallbackResult carries a session or, for two-factor users, a pending
// challenge.
type CallbackResult struct {
	SignIn      *authdomain.SignInResult
	RedirectURL string
}

// Identity is the normalized profile returned by a provider.
type Identity struct {
	ExternalID    string
	Email         string
	EmailVerified *bool
	DisplayName   string
	Image         string
}

type flowState struct {
	Provider         string `json:"provider"`
	Verifier         string `json:"verifier"`
	CallbackURL      string `json:"callback_url"`
	ErrorCallbackURL string `json:"error_callback_url"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	Registry   authconfig.AuthProviderRegistry
	Auth       authdomain.Service
	Tokens     *token.Store
	Redirects  *redirect.Validator
	HTTPClient *http.Client `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	baseURL    string
	registry   authconfig.AuthProviderRegistry
	auth       authdomain.Service
	tokens     *token.Store
	redirects  *redirect.Validator
	httpClient *http.Client
}

func NewService(p Params) *Service {
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Service{
		log:        p.Log.Named("auth.oauth"),
		baseURL:    strings.TrimRight(p.Config.AppBaseURL, "/"),
		registry:   p.Registry,
		auth:       p.Auth,
		tokens:     p.Tokens,
		redirects:  p.Redirects,
		httpClient: obstracing.WrapHTTPClient(client),
	}
}

func (s *Service) Providers() []Provider {
	names := s.registry.Names()
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		out = append(out, Provider{ID: name, Name: s.registry.Active[name].Name})
	}
	return out
}

// Begin returns the provider authorization URL. The state token carries the
// PKCE verifier and the validated post-login destinations.
func (s *Service) Begin(ctx context.Context, providerName string, req BeginRequest) (string, error) {
	cfg, err := s.lookupProvider(providerName)
	if err != nil {
		return "", err
	}
	callbackURL, err := s.redirects.Resolve(req.CallbackURL, defaultCallbackTo)
	if err != nil {
		return "", err
	}
	errorURL, err := s.redirects.Resolve(req.ErrorCallbackURL, callbackURL)
	if err != nil {
		return "", err
	}

	verifier := oauth2.GenerateVerifier()
	state, err := s.tokens.Issue(ctx, token.PurposeOAuthState, flowState{
		Provider:         cfg.Type,
		Verifier:         verifier,
		CallbackURL:      callbackURL,
		ErrorCallbackURL: errorURL,
	}, stateTTL)
	if err != nil {
		return "", err
	}

	return s.oauthConfig(cfg).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// ErrorRedirect returns where a failed callback should land. The state is
// peeked, not consumed, so Callback can still validate it.
func (s *Service) ErrorRedirect(ctx context.Context, rawState string) string {
	var st flowState
	if err := s.tokens.Get(ctx, token.PurposeOAuthState, rawState, &st); err != nil || st.ErrorCallbackURL == "" {
		return defaultCallbackTo
	}
	return st.ErrorCallbackURL
}

func (s *Service) Callback(ctx context.Context, providerName string, req CallbackRequest) (*CallbackResult, error) {
	cfg, err := s.lookupProvider(providerName)
	if err != nil {
		return nil, err
	}

	var st flowState
	if err := s.tokens.Consume(ctx, token.PurposeOAuthState, req.State, &st); err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}
	if st.Provider != cfg.Type {
		return nil, ErrInvalidState
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrExchangeFailed
	}

	identity, err := s.exchange(ctx, cfg, req.Code, st.Verifier)
	if err != nil {
		return nil, err
	}
	if identity.EmailVerified != nil && !*identity.EmailVerified {
		return nil, ErrUnverifiedEmail
	}

	result, err := s.auth.SignInWithIdentity(ctx, authdomain.ExternalIdentity{
		ProviderID:  cfg.Type,
		AccountID:   identity.ExternalID,
		Email:       identity.Email,
		Name:        identity.DisplayName,
		Image:       identity.Image,
		AllowSignUp: cfg.AllowSignUp,
	}, req.Session)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{SignIn: result, RedirectURL: st.CallbackURL}, nil
}

func (s *Service) exchange(ctx context.Context, cfg authconfig.AuthProviderConfig, code, verifier string) (Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	conf := s.oauthConfig(cfg)

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		s.log.Warn("code exchange failed", zap.String("provider", cfg.Type), zap.Error(obstracing.SafeError(err)))
		return Identity{}, ErrExchangeFailed
	}

	client := conf.Client(ctx, tok)
	payload, err := getJSON[map[string]any](ctx, client, cfg.APIURL)
	if err != nil {
		s.log.Warn("profile fetch failed", zap.String("provider", cfg.Type), zap.Error(err))
		return Identity{}, ErrExchangeFailed
	}

	identity := Identity{
		ExternalID:    firstClaim(payload, "sub", "id", "user_id", "uid"),
		Email:         firstClaim(payload, "email"),
		EmailVerified: boolClaim(payload, "email_verified", "verified_email"),
		DisplayName:   firstClaim(payload, "name", "display_name", "login", "username", "preferred_username"),
		Image:         firstClaim(payload, "picture", "avatar_url", "image"),
	}
	if identity.Email == "" && cfg.Type == "github" {
		identity.Email, identity.EmailVerified = s.githubPrimaryEmail(ctx, client)
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.Email
	}
	if identity.ExternalID == "" || identity.Email == "" {
		return Identity{}, ErrExchangeFailed
	}
	return identity, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// githubPrimaryEmail covers accounts whose profile email is private.
func (s *Service) githubPrimaryEmail(ctx context.Context, client *http.Client) (string, *bool) {
	emails, err := getJSON[[]githubEmail](ctx, client, githubEmailsURL)
	if err != nil {
		s.log.Warn("github email lookup failed", zap.Error(err))
		return "", nil
	}
	for _, e := range emails {
		if e.Primary {
			verified := e.Verified
			return e.Email, &verified
		}
	}
	return "", nil
}

func (s *Service) oauthConfig(cfg authconfig.AuthProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		RedirectURL: s.baseURL + callbackPathBase + cfg.Type,
		Scopes:      cfg.Scopes,
	}
}

func (s *Service) lookupProvider(rawName string) (authconfig.AuthProviderConfig, error) {
	name := strings.ToLower(strings.TrimSpace(rawName))
	if name == "" {
		return authconfig.AuthProviderConfig{}, ErrProviderNotFound
	}
	cfg, ok := s.registry.Active[name]
	if !ok {
		return authconfig.AuthProviderConfig{}, ErrProviderNotFound
	}
	return cfg, nil
}

func getJSON[T any](ctx context.Context, client *http.Client, url string) (T, error) {
	var out T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return out, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, err
	}
	return out, nil
}

func firstClaim(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key]; ok {
			if str := claimToString(value); str != "" {
				return str
			}
		}
	}
	return ""
}

func boolClaim(payload map[string]any, keys ...string) *bool {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case bool:
			return &v
		case string:
			b := strings.EqualFold(v, "true")
			return &b
		}
	}
	return nil
}

func claimToString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
