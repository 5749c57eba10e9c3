package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Platform PlatformConfig `mapstructure:"platform"`
	Rules    RulesConfig    `mapstructure:"rules"`
}

// ServerConfig defines the local HTTP listeners
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	AdminPort    int    `mapstructure:"admin_port"`
	AdminEnabled bool   `mapstructure:"admin_enabled"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt", "redis" or "sqlite"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the redis connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig tunes the scheduling loop
type EngineConfig struct {
	IntervalShort      string `mapstructure:"interval_short"`
	IntervalLong       string `mapstructure:"interval_long"`
	MaxTickShort       string `mapstructure:"max_tick_short"`
	MaxTickLong        string `mapstructure:"max_tick_long"`
	CommitThreshold    string `mapstructure:"commit_threshold"`
	DayChangeSettle    string `mapstructure:"day_change_settle"`
	ReloadInterval     string `mapstructure:"reload_interval"`
	StorageTimeout     string `mapstructure:"storage_timeout"`
	StatusPageInterval string `mapstructure:"status_page_interval"`
	SlowLoop           bool   `mapstructure:"slow_loop"`
}

// PolicyConfig defines app classification settings
type PolicyConfig struct {
	OPAPolicyDir         string   `mapstructure:"opa_policy_dir"`
	IgnoredApps          []string `mapstructure:"ignored_apps"`
	UnassignedSystemApps string   `mapstructure:"unassigned_system_apps"`
	AppCacheSize         int      `mapstructure:"app_cache_size"`
	OwnPackage           string   `mapstructure:"own_package"`
}

// PlatformConfig defines where device state comes from
type PlatformConfig struct {
	StatusFile string `mapstructure:"status_file"`
}

// RulesConfig defines the declarative rules document
type RulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.admin_port", 8085)
	v.SetDefault("server.admin_enabled", true)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/ktime/ktime.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Engine defaults
	v.SetDefault("engine.interval_short", "100ms")
	v.SetDefault("engine.interval_long", "1s")
	v.SetDefault("engine.max_tick_short", "1s")
	v.SetDefault("engine.max_tick_long", "2s")
	v.SetDefault("engine.commit_threshold", "30s")
	v.SetDefault("engine.day_change_settle", "10m")
	v.SetDefault("engine.reload_interval", "1m")
	v.SetDefault("engine.storage_timeout", "5s")
	v.SetDefault("engine.status_page_interval", "3s")
	v.SetDefault("engine.slow_loop", false)

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "/etc/ktime/policies")
	v.SetDefault("policy.ignored_apps", []string{})
	v.SetDefault("policy.unassigned_system_apps", "category")
	v.SetDefault("policy.app_cache_size", 512)
	v.SetDefault("policy.own_package", "io.ktime.agent")

	// Platform defaults
	v.SetDefault("platform.status_file", "/run/ktime/status.json")

	// Rules defaults
	v.SetDefault("rules.path", "/etc/ktime/rules.toml")
	v.SetDefault("rules.watch", true)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.AdminPort < 0 || cfg.Server.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", cfg.Server.AdminPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "bolt"
	case "bolt", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.Type != "redis" && cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format: %s", cfg.Logging.Format)
	}

	switch cfg.Policy.UnassignedSystemApps {
	case "category", "whitelist", "block":
	default:
		return fmt.Errorf("invalid unassigned_system_apps: %s (must be category, whitelist or block)", cfg.Policy.UnassignedSystemApps)
	}

	durations := map[string]string{
		"engine.interval_short":       cfg.Engine.IntervalShort,
		"engine.interval_long":        cfg.Engine.IntervalLong,
		"engine.max_tick_short":       cfg.Engine.MaxTickShort,
		"engine.max_tick_long":        cfg.Engine.MaxTickLong,
		"engine.commit_threshold":     cfg.Engine.CommitThreshold,
		"engine.day_change_settle":    cfg.Engine.DayChangeSettle,
		"engine.reload_interval":      cfg.Engine.ReloadInterval,
		"engine.storage_timeout":      cfg.Engine.StorageTimeout,
		"engine.status_page_interval": cfg.Engine.StatusPageInterval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}

	if d, err := time.ParseDuration(cfg.Engine.StatusPageInterval); err == nil && d > 0 && d < time.Millisecond {
		return fmt.Errorf("engine.status_page_interval must be at least 1ms, got %s", cfg.Engine.StatusPageInterval)
	}

	return nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys returns the keys of the file at configPath that no setting
// reads.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
