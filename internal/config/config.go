// Package config loads and validates the ReportRelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/reportrelay/internal/model"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvAnonKey     = "REPORTRELAY_ANON_KEY"
	EnvAccessToken = "REPORTRELAY_ACCESS_TOKEN"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// BackendURL is the base URL of the backend project (e.g. "https://abc.supabase.co").
	BackendURL string `yaml:"backend_url"`

	// AnonKey is the public API key sent with every request.
	AnonKey string `yaml:"anon_key"`

	// AccessToken is an optional user JWT. When set and unexpired, uploads
	// are attributed to its subject.
	AccessToken string `yaml:"access_token,omitempty"`

	ReportsTable string `yaml:"reports_table,omitempty"`
	PhotoBucket  string `yaml:"photo_bucket,omitempty"`

	// SyncInterval controls how often pending reports are retried while online.
	// Minimum 5s, maximum 10m. Defaults to 30s if unset.
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`

	// Debounce suppresses triggers that arrive this soon after a pass started.
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// WatchdogTimeout releases the sync gate if a pass takes longer than this.
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout,omitempty"`

	// ProbeURL is sent a HEAD request to decide reachability. Defaults to
	// BackendURL.
	ProbeURL      string        `yaml:"probe_url,omitempty"`
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty"`

	// DBPath overrides the local store location.
	DBPath string `yaml:"db_path,omitempty"`

	// PhotoRequiredCategories lists categories that cannot be submitted
	// without a photo.
	PhotoRequiredCategories []string `yaml:"photo_required_categories,omitempty"`

	Photo         PhotoConfig        `yaml:"photo,omitempty"`
	Notifications NotificationConfig `yaml:"notifications,omitempty"`

	// SendClientID includes the local id in each remote record as client_id.
	SendClientID bool `yaml:"send_client_id,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// PhotoConfig tunes image normalization before upload.
type PhotoConfig struct {
	MaxDimension int `yaml:"max_dimension,omitempty"`
	JPEGQuality  int `yaml:"jpeg_quality,omitempty"`
}

// NotificationConfig selects notification surfaces. Log output is always on.
type NotificationConfig struct {
	Desktop bool `yaml:"desktop,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "reportrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/reportrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "reportrelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
// Secrets may be overridden by a .env file next to it and then by the
// process environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	dotenv, err := readDotenv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	cfg.applyOverrides(dotenv, os.LookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves cfg to path with owner-only permissions, creating the
// parent directory if needed.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

func readDotenv(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return vals, nil
}

func (c *Config) applyOverrides(dotenv map[string]string, lookup func(string) (string, bool)) {
	pick := func(key string, dst *string) {
		if v, ok := dotenv[key]; ok && v != "" {
			*dst = v
		}
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	pick(EnvAnonKey, &c.AnonKey)
	pick(EnvAccessToken, &c.AccessToken)
}

// PhotoRequired returns the parsed photo policy. validate has already
// rejected unknown names.
func (c *Config) PhotoRequired() []model.Category {
	out := make([]model.Category, 0, len(c.PhotoRequiredCategories))
	for _, s := range c.PhotoRequiredCategories {
		out = append(out, model.Category(s))
	}
	return out
}

// validate checks that all required fields are present and well-formed,
// and fills in defaults.
func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if !isHTTPURL(c.BackendURL) {
		return fmt.Errorf("backend_url %q must be a valid http or https URL", c.BackendURL)
	}

	if c.AnonKey == "" {
		return fmt.Errorf("anon_key is required (or set %s)", EnvAnonKey)
	}

	if c.ReportsTable == "" {
		c.ReportsTable = "reports"
	}
	if c.PhotoBucket == "" {
		c.PhotoBucket = "report-photos"
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.SyncInterval < 5*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 5s)", c.SyncInterval)
	}
	if c.SyncInterval > 10*time.Minute {
		return fmt.Errorf("sync_interval %v is too long (maximum 10m)", c.SyncInterval)
	}

	if c.Debounce == 0 {
		c.Debounce = 2 * time.Second
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce %v must not be negative", c.Debounce)
	}
	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = 60 * time.Second
	}
	if c.WatchdogTimeout < 10*time.Second {
		return fmt.Errorf("watchdog_timeout %v is too short (minimum 10s)", c.WatchdogTimeout)
	}

	if c.ProbeURL == "" {
		c.ProbeURL = c.BackendURL
	}
	if !isHTTPURL(c.ProbeURL) {
		return fmt.Errorf("probe_url %q must be a valid http or https URL", c.ProbeURL)
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ProbeInterval < time.Second {
		return fmt.Errorf("probe_interval %v is too short (minimum 1s)", c.ProbeInterval)
	}

	for _, name := range c.PhotoRequiredCategories {
		if _, err := model.ParseCategory(name); err != nil {
			return fmt.Errorf("photo_required_categories: %w", err)
		}
	}

	if c.Photo.MaxDimension < 0 {
		return fmt.Errorf("photo.max_dimension must not be negative")
	}
	if c.Photo.JPEGQuality < 0 || c.Photo.JPEGQuality > 100 {
		return fmt.Errorf("photo.jpeg_quality %d must be between 1 and 100", c.Photo.JPEGQuality)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
