package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName          string
	AppVersion       string
	Environment      string
	AppBaseURL       string
	TrustedOrigins   []string
	AuthCookieSecure bool
	AuthSecret       string
	PolicyFile       string

	OTLPEndpoint string
	HTTPAddr     string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Email     EmailConfig
	WebAuthn  WebAuthnConfig
	Bootstrap BootstrapConfig
	Scheduler SchedulerConfig
}

// SchedulerConfig drives the background maintenance loop.
type SchedulerConfig struct {
	Enabled                 bool
	IntervalSeconds         int
	BatchSize               int
	SessionRetentionSeconds int
	EnabledJobs             []string
}

// BootstrapConfig seeds a first owner account for local and self-hosted
// installs. Seeding is skipped when AdminEmail is empty.
type BootstrapConfig struct {
	AdminEmail    string
	AdminPassword string
	AdminName     string
	OrgName       string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EmailConfig struct {
	Provider string
	From     string
	SMTP     SMTPConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == "production"
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	baseURL := strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:3000"), "/")
	trusted := parseList(getenv("TRUSTED_ORIGINS", ""))
	if len(trusted) == 0 {
		trusted = []string{baseURL}
	}

	cfg := Config{
		AppName:          getenv("APP_SERVICE", "workspace"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Environment:      environment,
		AppBaseURL:       baseURL,
		TrustedOrigins:   trusted,
		AuthCookieSecure: authCookieSecure,
		AuthSecret:       strings.TrimSpace(getenv("AUTH_SECRET", "")),
		PolicyFile:       getenv("AUTH_POLICY_FILE", "config/auth.yaml"),
		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Email: EmailConfig{
			Provider: strings.ToLower(getenv("EMAIL_PROVIDER", "smtp")),
			From:     getenv("EMAIL_FROM", "no-reply@localhost"),
			SMTP: SMTPConfig{
				Host:     strings.TrimSpace(getenv("SMTP_HOST", "")),
				Port:     getenvInt("SMTP_PORT", 587),
				Username: getenv("SMTP_USERNAME", ""),
				Password: getenv("SMTP_PASSWORD", ""),
			},
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getenv("WEBAUTHN_RP_ID", "localhost"),
			RPDisplayName: getenv("WEBAUTHN_RP_NAME", "Workspace"),
			RPOrigins:     parseList(getenv("WEBAUTHN_RP_ORIGINS", baseURL)),
		},
		Bootstrap: BootstrapConfig{
			AdminEmail:    strings.ToLower(strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_EMAIL", ""))),
			AdminPassword: getenv("BOOTSTRAP_ADMIN_PASSWORD", ""),
			AdminName:     getenv("BOOTSTRAP_ADMIN_NAME", "Admin"),
			OrgName:       getenv("BOOTSTRAP_ORG_NAME", "Main"),
		},
		Scheduler: SchedulerConfig{
			Enabled:                 getenvBool("SCHEDULER_ENABLED", true),
			IntervalSeconds:         getenvInt("SCHEDULER_INTERVAL_SECONDS", 60),
			BatchSize:               getenvInt("SCHEDULER_BATCH_SIZE", 200),
			SessionRetentionSeconds: getenvInt("SCHEDULER_SESSION_RETENTION_SECONDS", 7*24*3600),
			EnabledJobs:             parseList(getenv("SCHEDULER_JOBS", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.TrimRight(p, "/"))
	}
	return out
}
