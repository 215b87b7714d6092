package config

import (
	"os"
	"strings"

	"golang.org/x/oauth2/endpoints"
)

const (
	envPrefixOAuth  = "AUTH_OAUTH_"
	envPrefixGitHub = "AUTH_GITHUB_"
	envPrefixGoogle = "AUTH_GOOGLE_"
)

type providerEnvSpec struct {
	providerType string
	prefix       string
	displayName  string
	defaults     AuthProviderConfig
}

var providerSpecs = []providerEnvSpec{
	{providerType: "oauth", prefix: envPrefixOAuth, displayName: "OAuth"},
	{
		providerType: "github",
		prefix:       envPrefixGitHub,
		displayName:  "GitHub",
		defaults: AuthProviderConfig{
			AuthURL:  endpoints.GitHub.AuthURL,
			TokenURL: endpoints.GitHub.TokenURL,
			APIURL:   "https://api.github.com/user",
			Scopes:   []string{"read:user", "user:email"},
		},
	},
	{
		providerType: "google",
		prefix:       envPrefixGoogle,
		displayName:  "Google",
		defaults: AuthProviderConfig{
			AuthURL:  endpoints.Google.AuthURL,
			TokenURL: endpoints.Google.TokenURL,
			APIURL:   "https://openidconnect.googleapis.com/v1/userinfo",
			Scopes:   []string{"openid", "email", "profile"},
		},
	},
}

// ParseAuthProvidersFromEnv reads social provider configuration from environment variables.
func ParseAuthProvidersFromEnv() map[string]AuthProviderConfig {
	env := os.Environ()
	configs := make(map[string]AuthProviderConfig, len(providerSpecs))
	for _, spec := range providerSpecs {
		if !hasEnvPrefix(env, spec.prefix) {
			continue
		}
		cfg := parseProviderConfig(spec)
		configs[cfg.Type] = cfg
	}
	return configs
}

func parseProviderConfig(spec providerEnvSpec) AuthProviderConfig {
	prefix := spec.prefix
	name := strings.TrimSpace(getenv(prefix + "NAME"))
	if name == "" {
		name = spec.displayName
	}
	scopes := parseScopes(getenv(prefix + "SCOPES"))
	if len(scopes) == 0 {
		scopes = spec.defaults.Scopes
	}
	return AuthProviderConfig{
		Name:         name,
		Type:         spec.providerType,
		Enabled:      getenvBool(prefix+"ENABLED", false),
		ClientID:     strings.TrimSpace(getenv(prefix + "CLIENT_ID")),
		ClientSecret: strings.TrimSpace(getenv(prefix + "CLIENT_SECRET")),
		AuthURL:      firstNonEmpty(getenv(prefix+"AUTH_URL"), spec.defaults.AuthURL),
		TokenURL:     firstNonEmpty(getenv(prefix+"TOKEN_URL"), spec.defaults.TokenURL),
		APIURL:       firstNonEmpty(getenv(prefix+"API_URL"), spec.defaults.APIURL),
		Scopes:       scopes,
		AllowSignUp:  getenvBoolFirst([]string{prefix + "ALLOW_SIGNUP", prefix + "ALLOW_SIGN_UP"}, true),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func getenv(key string) string {
	return os.Getenv(key)
}

func getenvBool(key string, def bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return parseBool(value, def)
}

func getenvBoolFirst(keys []string, def bool) bool {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			return parseBool(value, def)
		}
	}
	return def
}

func parseBool(value string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func parseScopes(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(parts) == 0 {
		return nil
	}
	return parts
}

func hasEnvPrefix(env []string, prefix string) bool {
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return true
		}
	}
	return false
}
