package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPolicyHolder_DefaultsWhenFileMissing(t *testing.T) {
	holder, err := NewPolicyHolder(Config{PolicyFile: filepath.Join(t.TempDir(), "missing.yaml")}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, DefaultAuthPolicy(), holder.Get())
	assert.False(t, holder.Get().RequireEmailVerification)
}

func TestNewPolicyHolder_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.yaml")
	content := []byte(`auth:
  require_email_verification: true
  session_ttl: 72h
  invitation:
    allow_duplicates: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewPolicyHolder(Config{PolicyFile: path}, zap.NewNop())
	require.NoError(t, err)

	p := holder.Get()
	assert.True(t, p.RequireEmailVerification)
	assert.Equal(t, 72*time.Hour, p.SessionTTL)
	assert.True(t, p.Invitation.AllowDuplicates)
	assert.Equal(t, 24*time.Hour, p.ShortSessionTTL)
	assert.Equal(t, 100, p.RateLimit.Max)
}

func TestNewPolicyHolder_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.yaml")
	content := []byte(`auth:
  require_email_verification: false
  otp_max_attempts: 3
  rate_limit:
    max: 100
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("WORKSPACE_AUTH_REQUIRE_EMAIL_VERIFICATION", "true")
	t.Setenv("WORKSPACE_AUTH_RATE_LIMIT_MAX", "25")

	holder, err := NewPolicyHolder(Config{PolicyFile: path}, zap.NewNop())
	require.NoError(t, err)

	p := holder.Get()
	assert.True(t, p.RequireEmailVerification)
	assert.Equal(t, 25, p.RateLimit.Max)
	assert.Equal(t, 3, p.OTPMaxAttempts)
	assert.Equal(t, 8, p.MinPasswordLength)
}

func TestNewPolicyHolder_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("WORKSPACE_AUTH_INVITATION_TTL", "72h")

	holder, err := NewPolicyHolder(Config{}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 72*time.Hour, holder.Get().Invitation.TTL)
	assert.Equal(t, 48*time.Hour, DefaultAuthPolicy().Invitation.TTL)
}

func TestNewPolicyHolder_RejectsInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.yaml")
	content := []byte(`auth:
  min_password_length: 4
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	_, err := NewPolicyHolder(Config{PolicyFile: path}, zap.NewNop())
	require.Error(t, err)
}
