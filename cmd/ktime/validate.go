package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/rules"
)

var (
	validateDump  bool
	validateRules bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the KTime configuration file and, optionally, the rules document it points to.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	validateCmd.Flags().BoolVar(&validateRules, "rules", true, "Also compile the rules document")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateRules && cfg.Rules.Path != "" {
		if err := validateRulesDocument(cfg.Rules.Path); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Rules validation failed: %v\n", err)
			return err
		}
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

func validateRulesDocument(path string) error {
	doc, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	model, err := doc.Compile()
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Rules are valid: %s (%d users, %d categories, %d rules)\n",
		path, len(model.Users), len(model.Categories), len(model.Rules))
	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, def *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Println("\n[server]")
	field("  bind_address", cfg.Server.BindAddress, def.Server.BindAddress)
	field("  metrics_port", cfg.Server.MetricsPort, def.Server.MetricsPort)
	field("  admin_port", cfg.Server.AdminPort, def.Server.AdminPort)
	field("  admin_enabled", cfg.Server.AdminEnabled, def.Server.AdminEnabled)

	_, _ = cyan.Println("\n[storage]")
	field("  type", cfg.Storage.Type, def.Storage.Type)
	field("  path", cfg.Storage.Path, def.Storage.Path)
	_, _ = cyan.Println("  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, def.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, def.Storage.Redis.Port)
	field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(def.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, def.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, def.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, def.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, def.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, def.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, def.Storage.Redis.WriteTimeout)

	_, _ = cyan.Println("\n[logging]")
	field("  level", cfg.Logging.Level, def.Logging.Level)
	field("  format", cfg.Logging.Format, def.Logging.Format)

	_, _ = cyan.Println("\n[engine]")
	field("  interval_short", cfg.Engine.IntervalShort, def.Engine.IntervalShort)
	field("  interval_long", cfg.Engine.IntervalLong, def.Engine.IntervalLong)
	field("  max_tick_short", cfg.Engine.MaxTickShort, def.Engine.MaxTickShort)
	field("  max_tick_long", cfg.Engine.MaxTickLong, def.Engine.MaxTickLong)
	field("  commit_threshold", cfg.Engine.CommitThreshold, def.Engine.CommitThreshold)
	field("  day_change_settle", cfg.Engine.DayChangeSettle, def.Engine.DayChangeSettle)
	field("  reload_interval", cfg.Engine.ReloadInterval, def.Engine.ReloadInterval)
	field("  storage_timeout", cfg.Engine.StorageTimeout, def.Engine.StorageTimeout)
	field("  status_page_interval", cfg.Engine.StatusPageInterval, def.Engine.StatusPageInterval)
	field("  slow_loop", cfg.Engine.SlowLoop, def.Engine.SlowLoop)

	_, _ = cyan.Println("\n[policy]")
	field("  opa_policy_dir", cfg.Policy.OPAPolicyDir, def.Policy.OPAPolicyDir)
	field("  ignored_apps", cfg.Policy.IgnoredApps, def.Policy.IgnoredApps)
	field("  unassigned_system_apps", cfg.Policy.UnassignedSystemApps, def.Policy.UnassignedSystemApps)
	field("  app_cache_size", cfg.Policy.AppCacheSize, def.Policy.AppCacheSize)
	field("  own_package", cfg.Policy.OwnPackage, def.Policy.OwnPackage)

	_, _ = cyan.Println("\n[platform]")
	field("  status_file", cfg.Platform.StatusFile, def.Platform.StatusFile)

	_, _ = cyan.Println("\n[rules]")
	field("  path", cfg.Rules.Path, def.Rules.Path)
	field("  watch", cfg.Rules.Watch, def.Rules.Watch)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
