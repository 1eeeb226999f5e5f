// ABOUTME: Configuration loading and parsing for harbord
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete harbord configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Origin   OriginConfig   `yaml:"origin"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the engine's listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// OriginConfig identifies the upstream the engine fronts
type OriginConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig describes the partitions, the asset manifest and install behavior
type CacheConfig struct {
	// BuildID versions the partitions; a new build retires the old set on activation
	BuildID        string   `yaml:"build_id"`
	StaticAssets   []string `yaml:"static_assets"`
	AudioPrefix    string   `yaml:"audio_prefix"`
	APIPrefix      string   `yaml:"api_prefix"`
	ShellPath      string   `yaml:"shell_path"`
	EssentialAudio string   `yaml:"essential_audio"`

	ActivationDelay    time.Duration `yaml:"-"`
	ActivationDelayRaw string        `yaml:"activation_delay"`
}

// SyncConfig holds schedules, batch endpoints and the record mirror paths
type SyncConfig struct {
	ReplaySchedule  string `yaml:"replay_schedule"`
	InsightSchedule string `yaml:"insight_schedule"`

	// ReplayRate caps replayed requests per second against a recovered origin
	ReplayRate float64 `yaml:"replay_rate"`

	MoodPath          string `yaml:"mood_path"`
	ProgressPath      string `yaml:"progress_path"`
	MoodBatchPath     string `yaml:"mood_batch_path"`
	ProgressBatchPath string `yaml:"progress_batch_path"`
}

// NotifyConfig tunes the periodic triggers
type NotifyConfig struct {
	LowMoodThreshold int `yaml:"low_mood_threshold"`
	LowMoodCount     int `yaml:"low_mood_count"`
	LookbackDays     int `yaml:"lookback_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in the optional fields most deployments never touch.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8475"
	}
	if c.Origin.RequestTimeoutRaw == "" {
		c.Origin.RequestTimeoutRaw = "30s"
	}
	if c.Cache.BuildID == "" {
		c.Cache.BuildID = "v1"
	}
	if c.Cache.AudioPrefix == "" {
		c.Cache.AudioPrefix = "/audio/"
	}
	if c.Cache.APIPrefix == "" {
		c.Cache.APIPrefix = "/api/"
	}
	if c.Cache.ShellPath == "" {
		c.Cache.ShellPath = "/"
	}
	if c.Sync.ReplaySchedule == "" {
		c.Sync.ReplaySchedule = "@every 5m"
	}
	if c.Sync.InsightSchedule == "" {
		c.Sync.InsightSchedule = "@every 1h"
	}
	if c.Sync.ReplayRate == 0 {
		c.Sync.ReplayRate = 5
	}
	if c.Sync.MoodPath == "" {
		c.Sync.MoodPath = "/api/mood"
	}
	if c.Sync.ProgressPath == "" {
		c.Sync.ProgressPath = "/api/session-progress"
	}
	if c.Sync.MoodBatchPath == "" {
		c.Sync.MoodBatchPath = "/api/mood/bulk"
	}
	if c.Sync.ProgressBatchPath == "" {
		c.Sync.ProgressBatchPath = "/api/session-progress/bulk"
	}
	if c.Notify.LowMoodThreshold == 0 {
		c.Notify.LowMoodThreshold = 2
	}
	if c.Notify.LowMoodCount == 0 {
		c.Notify.LowMoodCount = 3
	}
	if c.Notify.LookbackDays == 0 {
		c.Notify.LookbackDays = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Origin.BaseURL == "" {
		return fmt.Errorf("origin.base_url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Cache.StaticAssets) == 0 {
		return fmt.Errorf("cache.static_assets must list at least the application shell")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Origin.RequestTimeoutRaw != "" {
		cfg.Origin.RequestTimeout, err = time.ParseDuration(cfg.Origin.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Origin.RequestTimeoutRaw, err)
		}
	}

	if cfg.Cache.ActivationDelayRaw != "" {
		cfg.Cache.ActivationDelay, err = time.ParseDuration(cfg.Cache.ActivationDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing activation_delay %q: %w", cfg.Cache.ActivationDelayRaw, err)
		}
	}

	return nil
}
