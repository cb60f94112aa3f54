package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dashcal/internal/model"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultRefreshCron = "*/15 * * * *"
	defaultNotifyEvery = "@every 15s"
	defaultStateDir    = "/var/lib/dashcal"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// Environment variables that override values from the YAML file.
const (
	EnvListen   = "DASHCAL_LISTEN"
	EnvTimezone = "DASHCAL_TIMEZONE"
	EnvLogLevel = "DASHCAL_LOG_LEVEL"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for feed times without a UTC marker.
	// Empty means the process local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron schedule (e.g. "*/15 * * * *") for feed syncs.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// NotifyEvery is the cron schedule of the reminder check. Descriptors
	// such as "@every 15s" are accepted.
	NotifyEvery string `yaml:"notify_every" json:"notify_every"`

	// StateDir holds the persisted events and notification state.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" json:"log_format"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		Timezone:    "",
		RefreshCron: defaultRefreshCron,
		NotifyEvery: defaultNotifyEvery,
		StateDir:    defaultStateDir,
		LogLevel:    defaultLogLevel,
		LogFormat:   defaultLogFormat,
		ICS:         []ICSConfig{},
		BasicAuth:   nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.NotifyEvery == "" {
		c.NotifyEvery = defaultNotifyEvery
	}
	if c.StateDir == "" {
		c.StateDir = defaultStateDir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = defaultLogFormat
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// ApplyEnv overrides file values with DASHCAL_* environment variables.
// A .env file in the working directory is loaded first if present; it never
// overrides variables that are already set.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvTimezone); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
}

// Location resolves Timezone. Empty selects time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Sources converts the configured feeds, skipping entries without URL.
// Missing IDs fall back to Name, then URL.
func (c *Config) Sources() []model.Source {
	sources := make([]model.Source, 0, len(c.ICS))
	for _, csrc := range c.ICS {
		if csrc.URL == "" {
			continue
		}
		id := csrc.ID
		if id == "" {
			if csrc.Name != "" {
				id = csrc.Name
			} else {
				id = csrc.URL
			}
		}
		sources = append(sources, model.Source{
			ID:   id,
			Name: csrc.Name,
			URL:  csrc.URL,
		})
	}
	return sources
}

// SetSources replaces the configured feeds.
func (c *Config) SetSources(sources []model.Source) {
	c.ICS = make([]ICSConfig, 0, len(sources))
	for _, s := range sources {
		c.ICS = append(c.ICS, ICSConfig{URL: s.URL, ID: s.ID, Name: s.Name})
	}
}

// Load reads the YAML config at path and fills unset fields with defaults.
// A missing file is replaced by DefaultConfig written to path; the defaults
// are returned even when that write fails, together with the error.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		return cfg, Save(path, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save normalizes cfg and replaces the file at path with its YAML form.
// The file is only ever visible complete and owner-readable (0600); its
// directory is created 0700 when missing.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmpName, err := writeTemp(dir, data)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmpName)

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// writeTemp stores data in a fresh synced file under dir and returns its name.
// The caller owns removal.
func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".dashcal-config-*.tmp")
	if err != nil {
		return "", err
	}
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// Save writes c to path; see the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
