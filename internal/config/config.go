// Package config loads and validates the sofiasync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sofiatracker/syncengine/internal/conflict"
)

// MemoryRemoteURL selects the in-process remote instead of a docstore server.
// Nothing is shared with other devices; useful for trying the CLI offline.
const MemoryRemoteURL = "memory://"

// Defaults applied by Load when a key is unset.
const (
	DefaultSyncInterval    = 15 * time.Minute
	DefaultInitialBackoff  = 10 * time.Second
	DefaultMaxBackoff      = 5 * time.Minute
	DefaultMaxRetries      = 5
	defaultConflictPolicy  = "remote_wins"
	minSyncInterval        = time.Minute
	maxSyncInterval        = 24 * time.Hour
	maxRetriesUpperBound   = 20
	minInitialBackoff      = time.Second
	defaultServiceName     = "sofiasync"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the event document store
	// (e.g. "https://events.example.com"), or [MemoryRemoteURL].
	RemoteURL string `yaml:"remote_url"`

	// RemoteToken is sent as a bearer token on every remote request.
	// Optional.
	RemoteToken string `yaml:"remote_token"`

	// DBPath is the local SQLite database. Empty means the store default.
	DBPath string `yaml:"db_path"`

	// SyncInterval controls how often the daemon runs a full pass.
	// Minimum 1m, maximum 24h. Defaults to 15m if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ConflictPolicy is one of local_wins, remote_wins, latest_timestamp,
	// merge, user_choice. Defaults to remote_wins.
	ConflictPolicy string `yaml:"conflict_policy"`

	// Backoff bounds the retries after a pass that should be retried.
	Backoff BackoffConfig `yaml:"backoff"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`

	policy conflict.Policy
}

// BackoffConfig holds the retry schedule for RETRY verdicts.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`

	// MaxRetries is the number of retries after the first attempt.
	// 0 uses the default of 5.
	MaxRetries int `yaml:"max_retries"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "sofiasync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/sofiasync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "sofiasync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and saves it as YAML at path, creating the parent
// directory. The file is private to the user since it holds the token.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// Policy returns the parsed conflict policy.
func (c *Config) Policy() conflict.Policy { return c.policy }

// MemoryRemote reports whether the in-process remote is selected.
func (c *Config) MemoryRemote() bool { return c.RemoteURL == MemoryRemoteURL }

// ServiceName returns the telemetry service name, defaulting to "sofiasync".
func (c *Config) ServiceName() string {
	if c.Telemetry != nil && c.Telemetry.ServiceName != "" {
		return c.Telemetry.ServiceName
	}
	return defaultServiceName
}

// validate checks required fields and fills in defaults.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	if !c.MemoryRemote() {
		u, err := url.ParseRequestURI(c.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote_url %q must be a valid http or https URL or %q", c.RemoteURL, MemoryRemoteURL)
		}
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.SyncInterval < minSyncInterval {
		return fmt.Errorf("sync_interval %v is too short (minimum 1m)", c.SyncInterval)
	}
	if c.SyncInterval > maxSyncInterval {
		return fmt.Errorf("sync_interval %v is too long (maximum 24h)", c.SyncInterval)
	}

	if c.ConflictPolicy == "" {
		c.ConflictPolicy = defaultConflictPolicy
	}
	p, err := conflict.ParsePolicy(c.ConflictPolicy)
	if err != nil {
		return fmt.Errorf("conflict_policy: %w", err)
	}
	c.policy = p

	b := &c.Backoff
	if b.InitialInterval == 0 {
		b.InitialInterval = DefaultInitialBackoff
	}
	if b.MaxInterval == 0 {
		b.MaxInterval = DefaultMaxBackoff
	}
	if b.MaxRetries == 0 {
		b.MaxRetries = DefaultMaxRetries
	}
	if b.InitialInterval < minInitialBackoff {
		return fmt.Errorf("backoff.initial_interval %v is too short (minimum 1s)", b.InitialInterval)
	}
	if b.MaxInterval < b.InitialInterval {
		return fmt.Errorf("backoff.max_interval %v is shorter than initial_interval %v", b.MaxInterval, b.InitialInterval)
	}
	if b.MaxRetries < 0 || b.MaxRetries > maxRetriesUpperBound {
		return fmt.Errorf("backoff.max_retries %d out of range 1-%d", b.MaxRetries, maxRetriesUpperBound)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
