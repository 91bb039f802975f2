package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaycal/internal/atomicfile"
)

const (
	ProviderHTTP   = "http"
	ProviderMemory = "memory"
)

type BackoffConfig struct {
	Base        time.Duration `yaml:"base" json:"base"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Cap         time.Duration `yaml:"cap" json:"cap"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

// RemoteConfig selects and configures the calendar provider.
type RemoteConfig struct {
	// Provider is "http" (default) or "memory" for a local demo calendar.
	Provider string        `yaml:"provider" json:"provider"`
	BaseURL  string        `yaml:"base_url" json:"base_url"`
	Token    string        `yaml:"token" json:"token"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Config is the owner process configuration. The widget only reads
// WatermarkPath, Listen and PollInterval.
type Config struct {
	// DataDir holds the state database, the watermark slot and the owner lock.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// Listen is the control API address; empty disables the API.
	Listen string `yaml:"listen" json:"listen"`
	// StateDSN selects the durable backend for the action log and events
	// (sqlite://, file://, postgres://, memory://).
	StateDSN      string `yaml:"state_dsn" json:"state_dsn"`
	WatermarkPath string `yaml:"watermark_path" json:"watermark_path"`

	DefaultCalendar string            `yaml:"default_calendar" json:"default_calendar"`
	TagCalendars    map[string]string `yaml:"tag_calendars" json:"tag_calendars"`
	// TaxonomyFile, when set, overrides TagCalendars and is watched for changes.
	TaxonomyFile string `yaml:"taxonomy_file" json:"taxonomy_file"`

	TickInterval   time.Duration `yaml:"tick_interval" json:"tick_interval"`
	TickJitter     float64       `yaml:"tick_jitter" json:"tick_jitter"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency"`
	CallTimeout    time.Duration `yaml:"call_timeout" json:"call_timeout"`
	Backoff        BackoffConfig `yaml:"backoff" json:"backoff"`
	// DriftCron schedules full passes with drift detection; empty disables them.
	DriftCron string `yaml:"drift_cron" json:"drift_cron"`

	Remote       RemoteConfig  `yaml:"remote" json:"remote"`
	JWTSecret    string        `yaml:"jwt_secret" json:"jwt_secret"`
	LogFile      string        `yaml:"log_file" json:"log_file"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "relaycal")
	}
	return ".relaycal"
}

// DefaultPath returns the config file location inside the default data dir.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

func DefaultConfig() *Config {
	cfg := &Config{
		DataDir:         DefaultDataDir(),
		Listen:          "127.0.0.1:8787",
		DefaultCalendar: "default",
		TagCalendars:    map[string]string{},
		TickInterval:    30 * time.Second,
		TickJitter:      0.1,
		MaxConcurrency:  4,
		CallTimeout:     20 * time.Second,
		Backoff: BackoffConfig{
			Base:        2 * time.Second,
			Multiplier:  2,
			Cap:         5 * time.Minute,
			MaxAttempts: 6,
		},
		DriftCron: "*/15 * * * *",
		Remote: RemoteConfig{
			Provider: ProviderHTTP,
			Timeout:  20 * time.Second,
		},
		PollInterval: 2 * time.Second,
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero values with defaults and derives paths from DataDir.
func (c *Config) Normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if strings.TrimSpace(c.StateDSN) == "" {
		c.StateDSN = "sqlite://" + filepath.ToSlash(filepath.Join(c.DataDir, "state.db"))
	}
	if strings.TrimSpace(c.WatermarkPath) == "" {
		c.WatermarkPath = filepath.Join(c.DataDir, "watermark.json")
	}
	if strings.TrimSpace(c.DefaultCalendar) == "" {
		c.DefaultCalendar = "default"
	}
	if c.TagCalendars == nil {
		c.TagCalendars = map[string]string{}
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.TickJitter < 0 {
		c.TickJitter = 0
	}
	if c.TickJitter > 1 {
		c.TickJitter = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 2 * time.Second
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = 5 * time.Minute
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = 6
	}
	switch strings.ToLower(strings.TrimSpace(c.Remote.Provider)) {
	case ProviderMemory:
		c.Remote.Provider = ProviderMemory
	default:
		c.Remote.Provider = ProviderHTTP
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = c.CallTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// LockPath is where the owner process takes its exclusive lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "owner.lock")
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Remote.Provider == ProviderHTTP && strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("remote.base_url is required for the http provider")
	}
	if c.PollInterval > 10*time.Second {
		return fmt.Errorf("poll_interval %s exceeds the 10s staleness bound", c.PollInterval)
	}
	return nil
}

// Load reads the YAML config at path. A missing file is created with the
// defaults and 0600 permissions.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}
	cfg := DefaultConfig()
	// Derived paths must follow a data_dir set in the file.
	cfg.StateDSN = ""
	cfg.WatermarkPath = ""
	cfg.DataDir = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, data, 0o600)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
