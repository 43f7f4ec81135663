package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.GC.GracePeriod.Duration)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`
listen = "0.0.0.0:9000"
data_dir = "/srv/pkgstore"
public_url = "https://packages.example.com"
log_format = "text"
webhook_urls = ["https://hooks.example.com/a"]

[limits]
max_manifest_size = 1048576
requests_per_minute = 50

[uploads]
inactivity_timeout = "30m"

[gc]
grace_period = "2h"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "https://packages.example.com", cfg.PublicURL)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, []string{"https://hooks.example.com/a"}, cfg.WebhookURLs)
	assert.EqualValues(t, 1<<20, cfg.Limits.MaxManifestSize)
	assert.Equal(t, 50, cfg.Limits.RequestsPerMinute)
	assert.Equal(t, 30*time.Minute, cfg.Uploads.InactivityTimeout.Duration)
	assert.Equal(t, 2*time.Hour, cfg.GC.GracePeriod.Duration)

	// Unset keys keep their defaults.
	assert.EqualValues(t, 256<<20, cfg.Limits.MaxNpmPublishSize)
	assert.Equal(t, 5*time.Minute, cfg.Uploads.ReapInterval.Duration)

	assert.Equal(t, filepath.Join("/srv/pkgstore", DatabaseFile), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/srv/pkgstore", SessionsFile), cfg.SessionsPath())
	assert.Equal(t, filepath.Join("/srv/pkgstore", BlobsDir), cfg.BlobsPath())
	assert.Equal(t, filepath.Join("/srv/pkgstore", UploadsDir), cfg.UploadsPath())
	assert.Equal(t, filepath.Join("/srv/pkgstore", TokensFile), cfg.TokensPath())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`listen = "0.0.0.0:9000"`), 0644))

	t.Setenv("PKGSTORE_LISTEN", "127.0.0.1:7000")
	t.Setenv("PKGSTORE_WEBHOOK_URLS", "https://a.example, ,https://b.example")
	t.Setenv("PKGSTORE_GC_GRACE_PERIOD", "90m")
	t.Setenv("PKGSTORE_REQUESTS_PER_MINUTE", "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WebhookURLs)
	assert.Equal(t, 90*time.Minute, cfg.GC.GracePeriod.Duration)
	assert.Equal(t, 0, cfg.Limits.RequestsPerMinute)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"PKGSTORE_REQUESTS_PER_MINUTE":       "many",
		"PKGSTORE_UPLOAD_INACTIVITY_TIMEOUT": "soon",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := cfg.applyEnv(func(k string) (string, bool) {
				if k == key {
					return value, true
				}
				return "", false
			})
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
		{"cert without key", func(c *Config) { c.TLSCert = "server.crt" }},
		{"zero manifest size", func(c *Config) { c.Limits.MaxManifestSize = 0 }},
		{"zero reap interval", func(c *Config) { c.Uploads.ReapInterval = Duration{} }},
		{"negative grace", func(c *Config) { c.GC.GracePeriod = Duration{-time.Second} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", ConfigFile)
	cfg := Default()
	cfg.DataDir = "/data"
	cfg.AdminToken = "secret"
	cfg.WebhookURLs = []string{"https://hooks.example.com/publish"}
	cfg.GC.GracePeriod = Duration{3 * time.Hour}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogLevel = "warn"
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
