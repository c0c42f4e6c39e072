package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		// An explicit path that does not exist is a read error, not a silent default.
		t.Fatalf("expected error for explicit missing file, got %+v", cfg)
	}

	t.Chdir(t.TempDir())
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 30*time.Second, cfg.MFA.Period)
	assert.Equal(t, uint(1), cfg.MFA.Skew)
	assert.Equal(t, 75, cfg.Anomaly.Threshold)
	assert.Equal(t, "Reveal Password", cfg.MFA.Issuer)
	assert.Equal(t, 20, cfg.Anomaly.Weights.Frequency)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revealgate.yaml")
	body := []byte(`
ratelimit:
  limit: 7
  window: 2m
mfa:
  skew: 2
anomaly:
  threshold: 60
links:
  base_url: https://erp.example.com
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("REVEALGATE_ANOMALY_THRESHOLD", "80")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RateLimit.Limit)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, uint(2), cfg.MFA.Skew)
	assert.Equal(t, 80, cfg.Anomaly.Threshold)
	assert.Equal(t, "https://erp.example.com", cfg.Links.BaseURL)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Backend = "redis"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Anomaly.Threshold = 101
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MFA.Digits = 7
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
