// Package config loads reportq settings from ~/.config/reportq and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFile = "config.yml"
	hostsFile  = "hosts.yml"

	DefaultAPIURL         = "http://localhost:54321"
	DefaultMaxAttempts    = 5
	DefaultRequestTimeout = 30 * time.Second
	DefaultProbeInterval  = 30 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultConfirmations  = 2
)

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	MaxAttempts        *int   `yaml:"max_attempts,omitempty"`        // nil = 5, 0 = unbounded
	RequestTimeout     string `yaml:"request_timeout,omitempty"`     // duration string, default "30s"
	RequireAttribution *bool  `yaml:"require_attribution,omitempty"` // nil = true
	StaleAfter         string `yaml:"stale_after,omitempty"`         // duration string, default 2x request timeout
}

// ConnectivityConfig holds connectivity monitor settings.
type ConnectivityConfig struct {
	Interval      string `yaml:"interval,omitempty"`      // default "30s"
	Timeout       string `yaml:"timeout,omitempty"`       // default "5s"
	Confirmations int    `yaml:"confirmations,omitempty"` // default 2
	// FallbackURLs are probed in order when the API health check fails.
	FallbackURLs []string `yaml:"fallback_urls,omitempty"`
}

// S3Config enables direct photo upload to a bucket when Bucket is set.
type S3Config struct {
	Bucket        string `yaml:"bucket,omitempty"`
	Region        string `yaml:"region,omitempty"`
	Endpoint      string `yaml:"endpoint,omitempty"`
	Prefix        string `yaml:"prefix,omitempty"`
	PublicBaseURL string `yaml:"public_base_url,omitempty"`
}

// GeocoderConfig enables address geocoding during sync when APIKey is set.
type GeocoderConfig struct {
	URL    string `yaml:"url,omitempty"` // default Geoapify
	APIKey string `yaml:"api_key,omitempty"`
}

// Config is the reportq config stored at ~/.config/reportq/config.yml.
type Config struct {
	APIURL       string             `yaml:"api_url,omitempty"`
	DataDir      string             `yaml:"data_dir,omitempty"`
	LogLevel     string             `yaml:"log_level,omitempty"`
	LogFile      string             `yaml:"log_file,omitempty"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	S3           S3Config           `yaml:"s3,omitempty"`
	Geocoder     GeocoderConfig     `yaml:"geocoder,omitempty"`
}

// Host is the credential entry for one API host in hosts.yml.
type Host struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id,omitempty"`
	Email  string `yaml:"email,omitempty"`
}

// Hosts maps API URL to credentials, like gh's hosts.yml.
type Hosts map[string]Host

// Dir returns ~/.config/reportq, honoring XDG_CONFIG_HOME.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "reportq"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "reportq"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads the config at path. A missing file yields an empty config.
// Environment overrides are applied on top.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REPORTQ_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("REPORTQ_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("REPORTQ_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REPORTQ_GEOCODER_API_KEY"); v != "" {
		c.Geocoder.APIKey = v
	}
	if v := os.Getenv("REPORTQ_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Sync.MaxAttempts = &n
		}
	}
}

// Validate checks durations and numeric ranges.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"sync.request_timeout":  c.Sync.RequestTimeout,
		"sync.stale_after":      c.Sync.StaleAfter,
		"connectivity.interval": c.Connectivity.Interval,
		"connectivity.timeout":  c.Connectivity.Timeout,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if c.Sync.MaxAttempts != nil && *c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	if c.Connectivity.Confirmations < 0 {
		return fmt.Errorf("connectivity.confirmations must not be negative")
	}
	return nil
}

// Save writes the config using an atomic temp file + rename.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeAtomic(path, data, 0644)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	return os.Rename(tmpName, path)
}

// URL returns the API base URL, falling back to the default.
func (c *Config) URL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return DefaultAPIURL
}

// ResolveDataDir returns the directory holding queue.db and failed report
// backups: data_dir from config, else ~/.local/share/reportq.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "reportq"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "reportq"), nil
}

// MaxAttempts returns the attempt ceiling; 0 means unbounded.
func (c *Config) MaxAttempts() int {
	if c.Sync.MaxAttempts != nil {
		return *c.Sync.MaxAttempts
	}
	return DefaultMaxAttempts
}

// RequireAttribution reports whether unattributed reports are held back
// from sync until a user is known.
func (c *Config) RequireAttribution() bool {
	if c.Sync.RequireAttribution != nil {
		return *c.Sync.RequireAttribution
	}
	return true
}

// RequestTimeout returns the per-request timeout for sync operations.
func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.Sync.RequestTimeout, DefaultRequestTimeout)
}

// StaleAfter returns how long a record may stay syncing before it is
// considered abandoned by a crashed process.
func (c *Config) StaleAfter() time.Duration {
	return durationOr(c.Sync.StaleAfter, 2*c.RequestTimeout())
}

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return durationOr(c.Connectivity.Interval, DefaultProbeInterval)
}

// ProbeTimeout returns the timeout of a single connectivity probe.
func (c *Config) ProbeTimeout() time.Duration {
	return durationOr(c.Connectivity.Timeout, DefaultProbeTimeout)
}

// Confirmations returns how many consistent probes flip the online state.
func (c *Config) Confirmations() int {
	if c.Connectivity.Confirmations > 0 {
		return c.Connectivity.Confirmations
	}
	return DefaultConfirmations
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// HostsPath returns the credentials file path next to the config file.
func HostsPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), hostsFile)
}

// LoadHosts reads hosts.yml. A missing file yields an empty map.
func LoadHosts(path string) (Hosts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Hosts{}, nil
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	hosts := Hosts{}
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return hosts, nil
}

// SaveHosts writes hosts.yml with 0600 permissions.
func SaveHosts(path string, hosts Hosts) error {
	data, err := yaml.Marshal(hosts)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return writeAtomic(path, data, 0600)
}

// Token returns the access token for apiURL.
// Priority: REPORTQ_TOKEN env > hosts.yml.
func Token(hostsPath, apiURL string) (string, error) {
	if v := os.Getenv("REPORTQ_TOKEN"); v != "" {
		return v, nil
	}
	hosts, err := LoadHosts(hostsPath)
	if err != nil {
		return "", err
	}
	return hosts[apiURL].Token, nil
}
