package config

// AuthProviderConfig defines the raw configuration for a social sign-in provider.
type AuthProviderConfig struct {
	Name         string
	Type         string
	Enabled      bool
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIURL       string
	Scopes       []string
	AllowSignUp  bool
}

// Usable reports whether the provider has enough configuration to run an
// authorization code exchange.
func (c AuthProviderConfig) Usable() bool {
	return c.ClientID != "" && c.AuthURL != "" && c.TokenURL != "" && c.APIURL != ""
}
