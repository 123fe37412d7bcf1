package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.RateLimit.Requests)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Circuit.RecoveryTimeout)
	assert.Equal(t, 2, cfg.Circuit.HalfOpenRequiredSuccesses)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.TTLDetails)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTLDocuments)
	assert.Equal(t, 60*time.Second, cfg.Token.SafetyBuffer)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 3, cfg.Upstream.MaxRetries)
	assert.Equal(t, int64(50<<20), cfg.Blob.MaxBytes)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registryd.yaml")
	body := `
upstream:
  client_id: from-file
  client_secret: file-secret
  token_url: https://portal.example.test/token
  base_url: https://api.example.test/vd
  max_retries: 5
rate_limit:
  requests: 4
  window: 2s
  extra_tiers:
    - requests: 100
      window: 1m
postgres:
  dsn: postgres://file
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("REGISTRYD_CLIENT_SECRET", "env-secret")
	t.Setenv("REGISTRYD_POSTGRES_DSN", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Upstream.ClientID)
	assert.Equal(t, "env-secret", cfg.Upstream.ClientSecret, "env overrides file")
	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, 5, cfg.Upstream.MaxRetries)
	assert.Equal(t, 4, cfg.RateLimit.Requests)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.Window)
	require.Len(t, cfg.RateLimit.Extra, 1)
	assert.Equal(t, 100, cfg.RateLimit.Extra[0].Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Extra[0].Window)

	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := Default()
	cfg.Upstream.TokenURL = "https://portal.example.test/token"
	cfg.Upstream.BaseURL = "https://api.example.test/vd"
	cfg.Postgres.DSN = "postgres://x"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestValidateRejectsBadTier(t *testing.T) {
	cfg := Default()
	cfg.Upstream.ClientID = "id"
	cfg.Upstream.ClientSecret = "secret"
	cfg.Upstream.TokenURL = "https://portal.example.test/token"
	cfg.Upstream.BaseURL = "https://api.example.test/vd"
	cfg.Postgres.DSN = "postgres://x"
	cfg.RateLimit.Extra = []RateLimitTier{{Requests: 0, Window: time.Minute}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extra tier")
}
