package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPrefix is the environment variable prefix used by Load.
const DefaultPrefix = "CODETIME"

// MinSyncInterval is the shortest sync interval accepted.
const MinSyncInterval = time.Minute

// State backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config holds all application configuration loaded from environment variables
// and an optional YAML file.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogFile     string `envconfig:"LOG_FILE" yaml:"log_file"` // rotated log file, stdout only when empty
	ConfigFile  string `envconfig:"CONFIG_FILE" yaml:"-"`

	// Remote sample service (optional, data is kept locally without it)
	APIKey         string        `envconfig:"API_KEY" yaml:"api_key"`
	ServerURL      string        `envconfig:"SERVER_URL" yaml:"server_url"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s" yaml:"read_timeout"`
	DailyCacheTTL  time.Duration `envconfig:"DAILY_CACHE_TTL" default:"1m" yaml:"daily_cache_ttl"`

	// Tracking
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL" default:"2m" yaml:"sync_interval"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"30s" yaml:"idle_timeout"`
	MaxTickGap   time.Duration `envconfig:"MAX_TICK_GAP" default:"5m" yaml:"max_tick_gap"` // 0 disables the cap
	MaxSessions  int           `envconfig:"MAX_SESSIONS" default:"30" yaml:"max_sessions"`
	TimeZone     string        `envconfig:"TIME_ZONE" yaml:"time_zone"` // host zone when empty
	QueueLimit   int           `envconfig:"QUEUE_LIMIT" default:"1000" yaml:"queue_limit"`

	// State
	StateBackend string `envconfig:"STATE_BACKEND" default:"sqlite" yaml:"state_backend"`
	DBPath       string `envconfig:"DB_PATH" default:"codetime.db" yaml:"db_path"`
	StateDir     string `envconfig:"STATE_DIR" default:"codetime-state" yaml:"state_dir"`

	// Local API
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8091" yaml:"listen_addr"`
	LocalAPIToken string `envconfig:"LOCAL_API_TOKEN" yaml:"local_api_token"`
}

// RemoteEnabled returns true if a sample service URL is configured.
func (c *Config) RemoteEnabled() bool {
	return c.ServerURL != ""
}

// IsDevelopment reports whether the daemon runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// EffectiveSyncInterval returns SyncInterval clamped to MinSyncInterval.
func (c *Config) EffectiveSyncInterval() time.Duration {
	if c.SyncInterval < MinSyncInterval {
		return MinSyncInterval
	}
	return c.SyncInterval
}

// Location resolves TimeZone, defaulting to the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	switch c.StateBackend {
	case BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("unknown state backend %q", c.StateBackend)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("queue limit must be positive, got %d", c.QueueLimit)
	}
	if c.MaxTickGap < 0 {
		return fmt.Errorf("max tick gap must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from CODETIME_ environment variables, then
// applies the YAML file named by CODETIME_CONFIG_FILE, if any.
func Load() (*Config, error) {
	return LoadWithPrefix(DefaultPrefix)
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return c.applyYAML(raw)
}

// applyYAML overlays every non-zero value of a YAML document onto c.
func (c *Config) applyYAML(data []byte) error {
	var file Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &file); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	dst := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(file)
	for i := 0; i < src.NumField(); i++ {
		if f := src.Field(i); !f.IsZero() {
			dst.Field(i).Set(f)
		}
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
