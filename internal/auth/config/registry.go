package config

import (
	"sort"
	"strings"

	"github.com/smallbiznis/workspace/internal/auth/features"
	"go.uber.org/zap"
)

// AuthProviderRegistry captures parsed providers and activation state.
type AuthProviderRegistry struct {
	All     map[string]AuthProviderConfig
	Active  map[string]AuthProviderConfig
	Ignored map[string]string
}

// BuildAuthProviderRegistry builds a registry from parsed provider configs.
func BuildAuthProviderRegistry(cfgs map[string]AuthProviderConfig, log *zap.Logger) AuthProviderRegistry {
	registry := AuthProviderRegistry{
		All:     make(map[string]AuthProviderConfig, len(cfgs)),
		Active:  make(map[string]AuthProviderConfig),
		Ignored: make(map[string]string),
	}
	log = log.Named("auth.providers")

	for key, cfg := range cfgs {
		cfg = normalizeProviderConfig(key, cfg)
		registry.All[cfg.Type] = cfg
	}

	keys := make([]string, 0, len(registry.All))
	for key := range registry.All {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cfg := registry.All[key]
		switch {
		case !cfg.Enabled:
			log.Info("provider disabled", zap.String("provider", cfg.Type))
		case !features.ImplementedAuthFeatures[cfg.Type]:
			registry.Ignored[cfg.Type] = "enabled in config but feature not implemented"
			log.Warn("provider ignored", zap.String("provider", cfg.Type), zap.String("reason", registry.Ignored[cfg.Type]))
		case !cfg.Usable():
			registry.Ignored[cfg.Type] = "missing client id or endpoints"
			log.Warn("provider ignored", zap.String("provider", cfg.Type), zap.String("reason", registry.Ignored[cfg.Type]))
		default:
			registry.Active[cfg.Type] = cfg
			log.Info("provider active", zap.String("provider", cfg.Type), zap.Bool("allow_sign_up", cfg.AllowSignUp))
		}
	}

	return registry
}

// Names returns the active provider types in a stable order.
func (r AuthProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.Active))
	for name := range r.Active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProviderConfig(key string, cfg AuthProviderConfig) AuthProviderConfig {
	if cfg.Type == "" {
		cfg.Type = key
	}
	cfg.Type = normalizeProviderType(cfg.Type)
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	return cfg
}

func normalizeProviderType(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "gh":
		return "github"
	case "google-oauth", "google_oauth":
		return "google"
	default:
		return value
	}
}
