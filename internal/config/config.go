// Package config loads the pkgstore server configuration from a TOML file,
// PKGSTORE_* environment variables and defaults, and derives the on-disk
// layout of the data directory.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	ConfigFile   = "pkgstore.toml"
	DatabaseFile = "pkgstore.db"
	SessionsFile = "sessions.db"
	BlobsDir     = "blobs"
	UploadsDir   = "uploads"
	TokensFile   = "tokens.json"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PKGSTORE_"

// Duration is a time.Duration written as a string ("24h") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the server configuration
type Config struct {
	Listen      string   `toml:"listen"`
	DataDir     string   `toml:"data_dir"`
	PublicURL   string   `toml:"public_url"`
	LogLevel    string   `toml:"log_level"`
	LogFormat   string   `toml:"log_format"`
	TLSCert     string   `toml:"tls_cert"`
	TLSKey      string   `toml:"tls_key"`
	AdminToken  string   `toml:"admin_token"`
	WebhookURLs []string `toml:"webhook_urls"`

	Limits  Limits  `toml:"limits"`
	Uploads Uploads `toml:"uploads"`
	GC      GC      `toml:"gc"`
}

// Limits bounds request sizes and rates.
type Limits struct {
	MaxManifestSize   int64 `toml:"max_manifest_size"`
	MaxNpmPublishSize int64 `toml:"max_npm_publish_size"`
	MaxChunkSize      int64 `toml:"max_chunk_size"`
	RequestsPerMinute int   `toml:"requests_per_minute"`
}

// Uploads controls the resumable upload reaper.
type Uploads struct {
	InactivityTimeout Duration `toml:"inactivity_timeout"`
	ReapInterval      Duration `toml:"reap_interval"`
}

// GC controls blob garbage collection.
type GC struct {
	GracePeriod Duration `toml:"grace_period"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:8730",
		DataDir:   DefaultDataDir(),
		LogLevel:  "info",
		LogFormat: "json",
		Limits: Limits{
			MaxManifestSize:   4 << 20,
			MaxNpmPublishSize: 256 << 20,
			MaxChunkSize:      1 << 30,
			RequestsPerMinute: 600,
		},
		Uploads: Uploads{
			InactivityTimeout: Duration{time.Hour},
			ReapInterval:      Duration{5 * time.Minute},
		},
		GC: GC{GracePeriod: Duration{24 * time.Hour}},
	}
}

// DefaultDataDir returns the default data directory (~/.pkgstore).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/pkgstore"
	}
	return filepath.Join(home, ".pkgstore")
}

// Load reads the configuration at path on top of the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from PKGSTORE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN":      &c.Listen,
		"DATA_DIR":    &c.DataDir,
		"PUBLIC_URL":  &c.PublicURL,
		"LOG_LEVEL":   &c.LogLevel,
		"LOG_FORMAT":  &c.LogFormat,
		"TLS_CERT":    &c.TLSCert,
		"TLS_KEY":     &c.TLSKey,
		"ADMIN_TOKEN": &c.AdminToken,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "WEBHOOK_URLS"); ok {
		c.WebhookURLs = splitList(v)
	}

	if v, ok := lookup(EnvPrefix + "REQUESTS_PER_MINUTE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREQUESTS_PER_MINUTE: %w", EnvPrefix, err)
		}
		c.Limits.RequestsPerMinute = n
	}

	durations := map[string]*Duration{
		"UPLOAD_INACTIVITY_TIMEOUT": &c.Uploads.InactivityTimeout,
		"UPLOAD_REAP_INTERVAL":      &c.Uploads.ReapInterval,
		"GC_GRACE_PERIOD":           &c.GC.GracePeriod,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	return nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Limits.MaxManifestSize <= 0 || c.Limits.MaxNpmPublishSize <= 0 || c.Limits.MaxChunkSize <= 0 {
		return fmt.Errorf("size limits must be positive")
	}
	if c.Uploads.InactivityTimeout.Duration <= 0 || c.Uploads.ReapInterval.Duration <= 0 {
		return fmt.Errorf("upload timeouts must be positive")
	}
	if c.GC.GracePeriod.Duration < 0 {
		return fmt.Errorf("gc grace_period must not be negative")
	}
	return nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0600)
}

// DatabasePath returns the path to the SQLite metadata database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFile)
}

// SessionsPath returns the path to the bbolt upload session database
func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataDir, SessionsFile)
}

// BlobsPath returns the path to the blob directory
func (c *Config) BlobsPath() string {
	return filepath.Join(c.DataDir, BlobsDir)
}

// UploadsPath returns the path to the in-progress upload directory
func (c *Config) UploadsPath() string {
	return filepath.Join(c.DataDir, UploadsDir)
}

// TokensPath returns the path to the token store
func (c *Config) TokensPath() string {
	return filepath.Join(c.DataDir, TokensFile)
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be debug, info, warn or error, got %q", name)
}

// NewLogger builds the server logger described by the configuration.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
