package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/rules"
)

var importCmd = &cobra.Command{
	Use:   "import [RULES]",
	Short: "Import a rules document into storage",
	Long: `Import a rules document into storage. Without an argument the document
configured as rules.path is imported. Used time, consumed extra time and
temporarily allowed apps are kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	path := cfg.Rules.Path
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no rules document given and rules.path is empty")
	}

	logger := setupLogger(cfg.Logging)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Engine.StorageTimeout, 5*time.Second)*4)
	defer cancel()

	res, err := rules.Import(ctx, store, path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Import failed: %v\n", err)
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(os.Stdout, "✅ Imported %s\n", path)
	fmt.Fprintf(os.Stdout, "   users: %d, categories: %d, rules: %d\n", res.Users, res.Categories, res.Rules)
	if res.DeletedCategories > 0 || res.DeletedRules > 0 {
		fmt.Fprintf(os.Stdout, "   removed: %d categories, %d rules\n", res.DeletedCategories, res.DeletedRules)
	}
	return nil
}
