package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/engine"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/policy/opa"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/bolt"
	"github.com/goodtune/ktime/internal/storage/redis"
	"github.com/goodtune/ktime/internal/storage/sqlite"
)

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// appRules is the OPA engine when opa_policy_dir exists and the ignored
// apps list otherwise. engine is nil in the second case.
func appRules(cfg config.PolicyConfig, logger zerolog.Logger) (policy.AppRules, *opa.Engine, error) {
	if cfg.OPAPolicyDir != "" {
		if info, err := os.Stat(cfg.OPAPolicyDir); err == nil && info.IsDir() {
			e, err := opa.NewEngine(cfg.OPAPolicyDir, cfg.AppCacheSize, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
			}
			return e, e, nil
		}
		logger.Warn().Str("policy_dir", cfg.OPAPolicyDir).Msg("OPA policy directory not found, using ignored apps list")
	}
	return policy.NewIgnoredApps(cfg.IgnoredApps), nil, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	def := engine.DefaultConfig()
	e := cfg.Engine
	return engine.Config{
		IntervalShort:        config.ParseDuration(e.IntervalShort, def.IntervalShort),
		IntervalLong:         config.ParseDuration(e.IntervalLong, def.IntervalLong),
		MaxTickShort:         config.ParseDuration(e.MaxTickShort, def.MaxTickShort),
		MaxTickLong:          config.ParseDuration(e.MaxTickLong, def.MaxTickLong),
		CommitThreshold:      config.ParseDuration(e.CommitThreshold, def.CommitThreshold),
		DayChangeSettle:      config.ParseDuration(e.DayChangeSettle, def.DayChangeSettle),
		ReloadInterval:       config.ParseDuration(e.ReloadInterval, def.ReloadInterval),
		StorageTimeout:       config.ParseDuration(e.StorageTimeout, def.StorageTimeout),
		StatusPageInterval:   config.ParseDuration(e.StatusPageInterval, def.StatusPageInterval),
		SlowLoop:             e.SlowLoop,
		OwnPackage:           cfg.Policy.OwnPackage,
		UnassignedSystemApps: policy.UnassignedSystemApps(cfg.Policy.UnassignedSystemApps),
	}
}
