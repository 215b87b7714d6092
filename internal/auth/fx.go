package auth

import (
	authconfig "github.com/smallbiznis/workspace/internal/auth/config"
	"github.com/smallbiznis/workspace/internal/auth/mfa"
	"github.com/smallbiznis/workspace/internal/auth/oauth"
	"github.com/smallbiznis/workspace/internal/auth/passkey"
	"github.com/smallbiznis/workspace/internal/auth/redirect"
	"github.com/smallbiznis/workspace/internal/auth/repository"
	"github.com/smallbiznis/workspace/internal/auth/secret"
	"github.com/smallbiznis/workspace/internal/auth/service"
	"github.com/smallbiznis/workspace/internal/auth/session"
	"github.com/smallbiznis/workspace/internal/auth/token"
	"go.uber.org/fx"
)

var Module = fx.Module("auth.service",
	fx.Provide(repository.New),
	fx.Provide(service.New),
	fx.Provide(token.NewStore),
	fx.Provide(secret.NewKeyring),
	fx.Provide(redirect.NewValidator),
	fx.Provide(authconfig.ParseAuthProvidersFromEnv),
	fx.Provide(authconfig.BuildAuthProviderRegistry),
	session.Module,
	mfa.Module,
	passkey.Module,
	oauth.Module,
	fx.Invoke(ensureAuthProviderRegistry),
)

func ensureAuthProviderRegistry(_ authconfig.AuthProviderRegistry) {}
