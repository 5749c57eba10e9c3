package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/storage"
)

var (
	checkDay      string
	checkTime     string
	checkBattery  int
	checkCharging bool
	checkNetwork  string
	checkActivity string
	checkSystem   bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check blocking decisions interactively",
	Long:  `Check what KTime would decide for a category or an app, using the stored rules and usage.`,
}

var checkCategoryCmd = &cobra.Command{
	Use:   "category [flags] CATEGORY",
	Short: "Check the verdict of one category",
	Example: `  ktime -c config.yaml check category games
  ktime check category games --day saturday --time 20:30 --battery 15`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckCategory,
}

var checkAppCmd = &cobra.Command{
	Use:   "app [flags] PACKAGE",
	Short: "Check how an app is classified for the current user",
	Example: `  ktime check app org.games.chess
  ktime check app com.android.settings --system`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckApp,
}

func init() {
	checkCategoryCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCategoryCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	checkCategoryCmd.Flags().IntVar(&checkBattery, "battery", 100, "Battery level in percent")
	checkCategoryCmd.Flags().BoolVar(&checkCharging, "charging", false, "Device is charging")
	checkCategoryCmd.Flags().StringVar(&checkNetwork, "network", "", "Current network id (empty when not connected)")

	checkAppCmd.Flags().StringVar(&checkActivity, "activity", "", "Foreground activity name")
	checkAppCmd.Flags().BoolVar(&checkSystem, "system", false, "App is part of the system image")

	checkCmd.AddCommand(checkCategoryCmd)
	checkCmd.AddCommand(checkAppCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckCategory(cmd *cobra.Command, args []string) error {
	categoryID := args[0]

	if checkBattery < 0 || checkBattery > 100 {
		return fmt.Errorf("invalid battery level: %d", checkBattery)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Engine.StorageTimeout, 5*time.Second))
	defer cancel()

	category, err := store.Categories().Get(ctx, categoryID)
	if err != nil {
		return fmt.Errorf("failed to load category %s: %w", categoryID, err)
	}
	owner, err := store.Users().Get(ctx, category.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", category.UserID, err)
	}

	loc := owner.Location()
	at := time.Now().In(loc)
	if checkDay != "" || checkTime != "" {
		at, err = parseCheckTime(time.Now().In(loc), checkDay, checkTime)
		if err != nil {
			return fmt.Errorf("invalid --day or --time: %w", err)
		}
	}

	user, err := storage.LoadUserRelatedData(ctx, store, owner.ID, clock.DateOf(at, loc).FirstDayOfWeek())
	if err != nil {
		return err
	}
	data, ok := user.Categories[categoryID]
	if !ok {
		return fmt.Errorf("category %s not found", categoryID)
	}

	snapshot := policy.Snapshot{
		Time:    at,
		Battery: policy.BatteryStatus{Level: checkBattery, Charging: checkCharging},
	}
	if checkNetwork != "" {
		snapshot.NetworkID = &checkNetwork
	}

	h, err := policy.CalculateHandling(data, user, snapshot)
	if err != nil {
		return fmt.Errorf("failed to calculate verdict: %w", err)
	}

	printCategoryResult(owner, at, snapshot, h)
	return nil
}

func runCheckApp(cmd *cobra.Command, args []string) error {
	packageName := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	rulesForApps, _, err := appRules(cfg.Policy, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Engine.StorageTimeout, 5*time.Second))
	defer cancel()

	device, err := storage.LoadDeviceRelatedData(ctx, store)
	if err != nil {
		return err
	}
	if device == nil || device.Device.CurrentUserID == "" {
		return fmt.Errorf("no user is assigned to this device")
	}

	owner, err := store.Users().Get(ctx, device.Device.CurrentUserID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", device.Device.CurrentUserID, err)
	}
	user, err := storage.LoadUserRelatedData(ctx, store, owner.ID, clock.DateOf(time.Now(), owner.Location()).FirstDayOfWeek())
	if err != nil {
		return err
	}

	h := policy.CalculateAppBaseHandling(policy.AppBaseInput{
		PackageName:          packageName,
		ActivityName:         checkActivity,
		IsSystemImageApp:     checkSystem,
		OwnPackage:           cfg.Policy.OwnPackage,
		AppRules:             rulesForApps,
		UnassignedSystemApps: policy.UnassignedSystemApps(cfg.Policy.UnassignedSystemApps),
		User:                 user,
		Device:               device,
	})

	printAppResult(packageName, owner, h)
	return nil
}

func printCategoryResult(owner *storage.User, at time.Time, snapshot policy.Snapshot, h *policy.CategoryHandling) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("CATEGORY CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Category:   %s (%s)\n", h.Title, h.CategoryID)
	fmt.Printf("User:       %s\n", owner.ID)
	fmt.Printf("Check Time: %s (%s)\n", at.Format("2006-01-02 15:04 MST"), at.Weekday())
	fmt.Printf("Battery:    %d%% (charging: %t)\n", snapshot.Battery.Level, snapshot.Battery.Charging)
	if snapshot.NetworkID != nil {
		fmt.Printf("Network:    %s\n", *snapshot.NetworkID)
	} else {
		fmt.Printf("Network:    (not connected)\n")
	}
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	if h.ShouldBlockActivities() {
		_, _ = red.Println("BLOCK")
		fmt.Printf("Reason:     %s\n", h.Reason)
	} else {
		_, _ = green.Println("ALLOW")
	}

	if h.AreLimitsTemporarilyDisabled {
		_, _ = yellow.Println("Limits:     temporarily disabled")
	}
	if h.RemainingTime != nil {
		fmt.Printf("Remaining:  %s (with extra time: %s)\n", h.RemainingTime.Default, h.RemainingTime.IncludingExtraTime)
	} else {
		fmt.Printf("Remaining:  no time limit\n")
	}
	if h.RemainingSessionDuration != nil {
		fmt.Printf("Session:    %s until the next pause\n", *h.RemainingSessionDuration)
	}
	fmt.Printf("Counting:   %t (extra time: %t)\n", h.ShouldCountTime, h.ShouldCountExtraTime)
	if !h.DependsOnMaxTime.IsZero() {
		fmt.Printf("Recheck:    %s\n", h.DependsOnMaxTime.In(at.Location()).Format("2006-01-02 15:04:05"))
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printAppResult(packageName string, owner *storage.User, h policy.AppBaseHandling) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("APP CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Package:    %s\n", packageName)
	if checkActivity != "" {
		fmt.Printf("Activity:   %s\n", checkActivity)
	}
	fmt.Printf("User:       %s\n", owner.ID)
	fmt.Println()

	_, _ = cyan.Print("Handling:   ")
	switch v := h.(type) {
	case policy.Whitelist:
		_, _ = green.Println("WHITELIST")
		fmt.Println("            → App is never blocked or counted")
	case policy.TemporarilyAllowed:
		_, _ = green.Println("TEMPORARILY ALLOWED")
		fmt.Println("            → Allowed until the screen turns off")
	case policy.BlockDueToNoCategory:
		_, _ = red.Println("BLOCK")
		fmt.Println("            → App has no category and is always blocked")
	case policy.UseCategories:
		_, _ = yellow.Println("USE CATEGORIES")
		fmt.Printf("            → Categories: %s\n", strings.Join(v.CategoryIDs, " → "))
		fmt.Printf("            → Blocking level: %s\n", v.Level)
		if v.NeedsNetworkID {
			fmt.Println("            → Verdict depends on the current network")
		}
	default:
		fmt.Printf("%T\n", h)
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// parseCheckTime moves now to the given weekday and HH:MM
func parseCheckTime(now time.Time, dayStr, timeStr string) (time.Time, error) {
	hour, minute := now.Hour(), now.Minute()

	if timeStr != "" {
		if len(strings.Split(timeStr, ":")) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}
		if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	targetDay := now.Weekday()
	if dayStr != "" {
		switch strings.ToLower(dayStr) {
		case "sunday", "sun":
			targetDay = time.Sunday
		case "monday", "mon":
			targetDay = time.Monday
		case "tuesday", "tue":
			targetDay = time.Tuesday
		case "wednesday", "wed":
			targetDay = time.Wednesday
		case "thursday", "thu":
			targetDay = time.Thursday
		case "friday", "fri":
			targetDay = time.Friday
		case "saturday", "sat":
			targetDay = time.Saturday
		default:
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
	}

	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	targetDate := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), hour, minute, 0, 0, now.Location()), nil
}
