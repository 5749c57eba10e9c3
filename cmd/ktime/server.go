package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/ktime/internal/admin"
	"github.com/goodtune/ktime/internal/admin/api"
	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/dispatch"
	"github.com/goodtune/ktime/internal/engine"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/platform"
	"github.com/goodtune/ktime/internal/policy/opa"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/systemd"
)

// A loop without a tick for this long is reported as stalled.
const stallThreshold = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start KTime daemon",
	Long:  `Start the scheduling loop together with the rules watcher, the admin API and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting KTime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	storageTimeout := config.ParseDuration(cfg.Engine.StorageTimeout, 5*time.Second)

	// Import the rules document once before the loop starts
	if cfg.Rules.Path != "" {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		res, err := rules.Import(ctx, store, cfg.Rules.Path, logger)
		cancel()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to import rules: %w", err)
			}
			logger.Warn().Str("path", cfg.Rules.Path).Msg("Rules document not found, using stored rules")
		} else {
			logger.Info().
				Int("users", res.Users).
				Int("categories", res.Categories).
				Int("rules", res.Rules).
				Msg("Rules imported")
		}
	}

	// Initialize app rules (OPA or ignored apps)
	apps, opaEngine, err := appRules(cfg.Policy, logger)
	if err != nil {
		return err
	}

	// Initialize device probe
	probe := platform.NewStatusFileProbe(cfg.Platform.StatusFile, logger)
	if err := probe.Watch(); err != nil {
		return fmt.Errorf("failed to watch device status file: %w", err)
	}
	defer probe.Close()

	presenter := platform.NewLogPresenter(logger, time.Now)
	dispatcher := dispatch.New(store.Usage(), storageTimeout, logger)

	loop := engine.New(store, dispatcher, probe, presenter, clock.NewRealClock(), apps, engineConfig(cfg), logger)

	reload := func(ctx context.Context) (rules.Result, error) {
		return reloadAll(ctx, store, cfg.Rules.Path, opaEngine, loop, logger)
	}

	// Watch the rules document
	var rulesWatcher *rules.Watcher
	if cfg.Rules.Watch && cfg.Rules.Path != "" {
		rulesWatcher = rules.NewWatcher(store, cfg.Rules.Path, storageTimeout, loop.Invalidate, logger)
		if err := rulesWatcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch rules document, changes need SIGHUP")
			rulesWatcher = nil
		}
	}

	// Start the scheduling loop. The deferred Stop runs before the storage
	// is closed, so the loop flushes on every return path.
	bg := newBackground()
	defer bg.Stop()
	bg.Go(func(ctx context.Context) {
		if err := loop.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Scheduling loop failed")
		}
	})

	healthy := func() bool {
		last := loop.LastTick()
		return !last.IsZero() && time.Since(last) < stallThreshold
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer, adminServer, err := startServers(cfg.Server, sdListeners, healthy, loop, reload, logger)
	if err != nil {
		if rulesWatcher != nil {
			rulesWatcher.Stop()
		}
		return err
	}

	// Log startup complete
	logger.Info().Msg("KTime startup complete")
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)
	if adminServer != nil {
		logger.Info().Msgf("Admin API: http://%s:%d/api/status", cfg.Server.BindAddress, cfg.Server.AdminPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Keep the watchdog alive only while the loop makes progress
	if interval := systemd.WatchdogInterval(); interval > 0 {
		bg.Go(func(ctx context.Context) {
			runWatchdog(ctx, interval, healthy, logger)
		})
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading rules and policies...")
		_ = systemd.NotifyReloading()
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		if _, err := reload(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to reload")
		} else {
			logger.Info().Msg("Rules and policies reloaded successfully")
		}
		cancel()
		_ = systemd.NotifyReady()
	}
	signal.Stop(sigChan)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if rulesWatcher != nil {
		rulesWatcher.Stop()
	}

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Admin Server")
		}
	}

	// Stopping the loop flushes used time that is not committed yet
	bg.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("KTime stopped")

	return nil
}

// startServers starts the metrics endpoint and, when enabled, the admin
// API. If the admin API cannot start, the metrics server is stopped again.
func startServers(cfg config.ServerConfig, sd *systemd.Listeners, healthy func() bool, eng api.Engine, reload api.ReloadFunc, logger zerolog.Logger) (*metrics.Server, *admin.Server, error) {
	metricsAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, healthy, logger)

	// Use systemd socket-activated listener if available
	if sd != nil && sd.Activated && sd.Metrics != nil {
		metricsServer.SetListener(sd.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	if !cfg.AdminEnabled {
		return metricsServer, nil, nil
	}

	adminAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.AdminPort)
	adminServer := admin.NewServer(admin.Config{ListenAddr: adminAddr}, eng, reload, logger)
	if sd != nil && sd.Activated && sd.Admin != nil {
		adminServer.SetListener(sd.Admin)
	}
	if err := adminServer.Start(); err != nil {
		if stopErr := metricsServer.Stop(); stopErr != nil {
			logger.Error().Err(stopErr).Msg("Error stopping Metrics Server")
		}
		return nil, nil, fmt.Errorf("failed to start Admin Server: %w", err)
	}

	return metricsServer, adminServer, nil
}

// background runs goroutines that share one cancellation.
type background struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBackground() *background {
	ctx, cancel := context.WithCancel(context.Background())
	return &background{ctx: ctx, cancel: cancel}
}

func (b *background) Go(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// Stop cancels every goroutine and waits for them. Calling it again is a
// no-op.
func (b *background) Stop() {
	b.cancel()
	b.wg.Wait()
}

// reloadAll re-reads the app policies and the rules document, then wakes
// the loop.
func reloadAll(ctx context.Context, store storage.Store, rulesPath string, opaEngine *opa.Engine, loop *engine.Loop, logger zerolog.Logger) (rules.Result, error) {
	if opaEngine != nil {
		if err := opaEngine.Reload(); err != nil {
			return rules.Result{}, fmt.Errorf("reload policies: %w", err)
		}
	}

	var res rules.Result
	if rulesPath != "" {
		var err error
		res, err = rules.Import(ctx, store, rulesPath, logger)
		if err != nil {
			return res, err
		}
	}

	loop.Invalidate()
	return res, nil
}

func runWatchdog(ctx context.Context, interval time.Duration, healthy func() bool, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthy() {
				logger.Warn().Msg("Scheduling loop stalled, skipping watchdog notification")
				continue
			}
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}
