// Package engine runs the scheduling loop that counts usage and applies
// blocking decisions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/platform"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/usage"
)

const minSleep = 10 * time.Millisecond

// Config tunes the loop.
type Config struct {
	IntervalShort time.Duration
	IntervalLong  time.Duration
	// MaxTickShort and MaxTickLong cap the time credited per tick.
	MaxTickShort       time.Duration
	MaxTickLong        time.Duration
	CommitThreshold    time.Duration
	DayChangeSettle    time.Duration
	ReloadInterval     time.Duration
	StorageTimeout     time.Duration
	StatusPageInterval time.Duration
	SlowLoop           bool

	OwnPackage           string
	UnassignedSystemApps policy.UnassignedSystemApps
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		IntervalShort:        100 * time.Millisecond,
		IntervalLong:         time.Second,
		MaxTickShort:         time.Second,
		MaxTickLong:          2 * time.Second,
		CommitThreshold:      usage.DefaultCommitThreshold,
		DayChangeSettle:      usage.DefaultDayChangeSettle,
		ReloadInterval:       time.Minute,
		StorageTimeout:       5 * time.Second,
		StatusPageInterval:   3 * time.Second,
		UnassignedSystemApps: policy.UnassignedSystemAppsCategory,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.IntervalShort <= 0 {
		c.IntervalShort = def.IntervalShort
	}
	if c.IntervalLong <= 0 {
		c.IntervalLong = def.IntervalLong
	}
	if c.MaxTickShort <= 0 {
		c.MaxTickShort = def.MaxTickShort
	}
	if c.MaxTickLong <= 0 {
		c.MaxTickLong = def.MaxTickLong
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = def.ReloadInterval
	}
	if c.StatusPageInterval <= 0 {
		c.StatusPageInterval = def.StatusPageInterval
	} else if c.StatusPageInterval < time.Millisecond {
		// pages are counted in whole milliseconds
		c.StatusPageInterval = time.Millisecond
	}
	if c.UnassignedSystemApps == "" {
		c.UnassignedSystemApps = def.UnassignedSystemApps
	}
}

// Loop owns the handling cache, the used time helper and the derived
// data. Only Run or Tick touch them; the exported setters are safe to call
// from other goroutines.
type Loop struct {
	store     storage.Store
	probe     platform.Probe
	presenter platform.Presenter
	clock     clock.Clock
	appRules  policy.AppRules
	cfg       Config
	logger    zerolog.Logger

	cache   *policy.HandlingCache
	helper  *usage.UpdateHelper
	days    *usage.DayChangeTracker
	sweeper *usage.Sweeper

	invalidate chan struct{}
	slow       atomic.Bool
	paused     atomic.Bool
	lastTick   atomic.Int64
	status     atomic.Pointer[Status]

	device   *storage.DeviceRelatedData
	user     *storage.UserRelatedData
	loaded   bool
	loadedAt time.Duration

	ticked        bool
	lastTickStart time.Duration
	revokePrompt  *bool
}

// New creates a loop. committer applies the used time; appRules may be nil.
func New(store storage.Store, committer usage.Committer, probe platform.Probe, presenter platform.Presenter, c clock.Clock, appRules policy.AppRules, cfg Config, logger zerolog.Logger) *Loop {
	cfg.applyDefaults()
	logger = logger.With().Str("component", "engine").Logger()

	l := &Loop{
		store:      store,
		probe:      probe,
		presenter:  presenter,
		clock:      c,
		appRules:   appRules,
		cfg:        cfg,
		logger:     logger,
		cache:      policy.NewHandlingCache(),
		helper:     usage.NewUpdateHelper(committer, usage.HelperConfig{CommitThreshold: cfg.CommitThreshold}, logger),
		days:       usage.NewDayChangeTracker(c, cfg.DayChangeSettle),
		sweeper:    usage.NewSweeper(store.Usage(), logger),
		invalidate: make(chan struct{}, 1),
	}
	l.slow.Store(cfg.SlowLoop)
	return l
}

// Run ticks until ctx is cancelled. Pending used time is flushed on exit.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Dur("interval", l.interval()).Msg("Scheduling loop started")
	for {
		start := l.clock.Uptime()
		l.Tick(ctx)

		wait := max(minSleep, l.interval()-(l.clock.Uptime()-start))
		if err := l.clock.Sleep(ctx, wait); err != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), l.cfg.StorageTimeout)
			if err := l.helper.Flush(flushCtx); err != nil {
				l.logger.Error().Err(err).Msg("Failed to flush used time on shutdown")
			}
			cancel()
			l.logger.Info().Msg("Scheduling loop stopped")
			return nil
		}
	}
}

// Invalidate schedules a reload of the derived data at the next tick.
func (l *Loop) Invalidate() {
	select {
	case l.invalidate <- struct{}{}:
	default:
	}
}

// SetSlowLoop selects the long interval.
func (l *Loop) SetSlowLoop(slow bool) {
	l.slow.Store(slow)
}

// SlowLoop reports whether the long interval was selected at runtime.
func (l *Loop) SlowLoop() bool {
	return l.slow.Load()
}

// SetPaused pauses the logic for foreground apps.
func (l *Loop) SetPaused(paused bool) {
	l.paused.Store(paused)
}

// Paused reports whether the foreground logic is paused.
func (l *Loop) Paused() bool {
	return l.paused.Load()
}

// LastTick returns the wall time the last tick finished, or the zero time.
func (l *Loop) LastTick() time.Time {
	ns := l.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Status returns the summary of the last tick, or nil before the first.
func (l *Loop) Status() *Status {
	return l.status.Load()
}

// Category returns the latest verdict of a category.
func (l *Loop) Category(id string) (*policy.CategoryHandling, bool) {
	status := l.status.Load()
	if status == nil {
		return nil, false
	}
	h, ok := status.verdicts[id]
	return h, ok
}

func (l *Loop) isSlow() bool {
	if l.slow.Load() {
		return true
	}
	return l.device != nil && l.device.Device.SlowMainLoop
}

func (l *Loop) interval() time.Duration {
	if l.isSlow() {
		return l.cfg.IntervalLong
	}
	return l.cfg.IntervalShort
}

func (l *Loop) maxTick() time.Duration {
	if l.isSlow() {
		return l.cfg.MaxTickLong
	}
	return l.cfg.MaxTickShort
}

// Tick runs one iteration. Errors are reported through the presenter and
// never stop the loop.
func (l *Loop) Tick(ctx context.Context) {
	start := l.clock.Uptime()
	var elapsed time.Duration
	if l.ticked {
		elapsed = min(max(start-l.lastTickStart, 0), l.maxTick())
	}
	l.ticked = true
	l.lastTickStart = start

	status, err := l.tick(ctx, elapsed)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		l.handleError(err)
		status = &Status{Error: err.Error()}
	case status.UserID == "":
		outcome = "idle"
	}

	now := l.clock.Now()
	status.Time = now
	status.SlowLoop = l.isSlow()
	status.Paused = l.paused.Load()
	l.status.Store(status)
	l.lastTick.Store(now.UnixNano())

	metrics.LoopTicksTotal.WithLabelValues(outcome).Inc()
	metrics.LoopTickDuration.Observe((l.clock.Uptime() - start).Seconds())
}

func (l *Loop) handleError(err error) {
	kind := "internal"
	msg := &platform.StatusMessage{Title: titleError, Text: textInternalError}
	switch {
	case errors.Is(err, platform.ErrPermissionDenied):
		kind = "permission"
		msg.Text = textPermissionError
	case errors.Is(err, usage.ErrInvariantViolation):
		kind = "invariant"
	}
	metrics.LoopErrorsTotal.WithLabelValues(kind).Inc()
	l.logger.Error().Err(err).Str("kind", kind).Msg("Scheduling loop tick failed")

	l.presenter.SetAppStatusMessage(msg)
	l.presenter.SetShowBlockingOverlay(false, nil)
}

func (l *Loop) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.StorageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.cfg.StorageTimeout)
}

// reload reads the device, the current user and its week of usage.
func (l *Loop) reload(ctx context.Context, now time.Time) error {
	ctx, cancel := l.storageContext(ctx)
	defer cancel()

	device, err := storage.LoadDeviceRelatedData(ctx, l.store)
	if err != nil {
		return err
	}
	l.device = device
	l.user = nil
	l.loaded = true
	l.loadedAt = l.clock.Uptime()

	if device == nil || device.Device.CurrentUserID == "" {
		return nil
	}
	user, err := l.store.Users().Get(ctx, device.Device.CurrentUserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load current user: %w", err)
	}

	date := clock.DateOf(now, user.Location())
	data, err := storage.LoadUserRelatedData(ctx, l.store, user.ID, date.FirstDayOfWeek())
	if err != nil {
		return err
	}
	l.user = data
	l.logger.Debug().Str("user", user.ID).Int("categories", len(data.Categories)).Msg("Derived data reloaded")
	return nil
}

func (l *Loop) needsReload(now time.Time) bool {
	select {
	case <-l.invalidate:
		return true
	default:
	}
	if !l.loaded || l.clock.Uptime()-l.loadedAt >= l.cfg.ReloadInterval {
		return true
	}
	if l.user != nil {
		date := clock.DateOf(now, l.user.Location)
		return date.FirstDayOfWeek() != l.user.FirstDayOfWeek
	}
	return false
}

type classifiedApp struct {
	app      platform.ForegroundApp
	handling policy.AppBaseHandling
}

func (l *Loop) tick(ctx context.Context, elapsed time.Duration) (*Status, error) {
	now := l.clock.Now()

	if l.needsReload(now) {
		if err := l.reload(ctx, now); err != nil {
			return nil, err
		}
	}

	device := l.device
	l.setRevokePrompt(device != nil && len(device.Device.TemporarilyAllowedApps) > 0)

	user := l.user
	if device == nil || user == nil || user.User.Type != storage.UserTypeChild {
		flushCtx, cancel := l.storageContext(ctx)
		defer cancel()
		if err := l.helper.Flush(flushCtx); err != nil {
			return nil, err
		}
		l.presenter.SetAppStatusMessage(nil)
		l.presenter.SetShowBlockingOverlay(false, nil)
		return &Status{}, nil
	}

	date := clock.DateOf(now, user.Location)
	switch l.days.ReportDayChange(date.DayOfEpoch) {
	case usage.DayChangeNow:
		l.logger.Info().Int("day_of_epoch", date.DayOfEpoch).Msg("Day changed")
	case usage.DayChangeNowSinceLongerTime:
		sweepCtx, cancel := l.storageContext(ctx)
		_, err := l.sweeper.Sweep(sweepCtx, date, now)
		cancel()
		if err != nil {
			metrics.LoopErrorsTotal.WithLabelValues("retention").Inc()
			l.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	}

	screenOn, err := l.probe.IsScreenOn(ctx)
	if err != nil {
		return nil, fmt.Errorf("screen state: %w", err)
	}
	battery, err := l.probe.BatteryStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("battery status: %w", err)
	}
	if !screenOn && len(device.Device.TemporarilyAllowedApps) > 0 {
		if err := l.revokeTemporarilyAllowedApps(ctx); err != nil {
			return nil, err
		}
		device = l.device
	}

	apps, err := l.probe.ForegroundApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("foreground apps: %w", err)
	}
	audioPackage, err := l.probe.MusicPlaybackPackage(ctx)
	if err != nil {
		return nil, fmt.Errorf("audio playback: %w", err)
	}

	paused := l.paused.Load()
	foreground := make([]classifiedApp, 0, len(apps))
	for _, app := range apps {
		h, err := l.classify(ctx, app.PackageName, app.ActivityName, paused, !screenOn, user, device)
		if err != nil {
			return nil, err
		}
		foreground = append(foreground, classifiedApp{app: app, handling: h})
	}
	background, err := l.classify(ctx, audioPackage, "", false, false, user, device)
	if err != nil {
		return nil, err
	}

	var networkID *string
	needsNetworkID := policy.NeedsNetworkID(background)
	for _, fg := range foreground {
		needsNetworkID = needsNetworkID || policy.NeedsNetworkID(fg.handling)
	}
	if needsNetworkID {
		networkID, err = l.probe.NetworkID(ctx)
		if err != nil {
			l.logger.Debug().Err(err).Msg("Network id unavailable")
			networkID = nil
		}
	}

	snapshot := l.cache.ReportStatus(user, policy.Snapshot{Time: now, Battery: battery, NetworkID: networkID})

	blocked, err := l.blockedForegroundApp(foreground, device)
	if err != nil {
		return nil, err
	}
	blockAudio, err := l.blocksAudio(background)
	if err != nil {
		return nil, err
	}

	handlings := make([]policy.AppBaseHandling, 0, len(foreground)+1)
	for _, fg := range foreground {
		handlings = append(handlings, fg.handling)
	}
	handlings = append(handlings, background)

	countings := make([]usage.Counting, 0)
	for _, id := range policy.GetCategoriesForCounting(handlings) {
		h, err := l.cache.Get(id)
		if err != nil {
			return nil, err
		}
		if h.ShouldCountTime {
			countings = append(countings, h.Counting())
		}
	}

	reportCtx, cancel := l.storageContext(ctx)
	committed, err := l.helper.Report(reportCtx, elapsed, countings, now, date.DayOfEpoch)
	cancel()
	if err != nil {
		return nil, err
	}
	if committed {
		previous := user
		if err := l.reload(ctx, now); err != nil {
			return nil, err
		}
		if l.user == nil || l.user.User.ID != previous.User.ID || !sameCategories(l.user, previous) {
			// the next tick starts over with the new data
			return &Status{UserID: previous.User.ID}, nil
		}
		user = l.user
		snapshot = l.cache.ReportStatus(user, policy.Snapshot{Time: now, Battery: battery, NetworkID: networkID})
	}

	counted := make([]string, 0, len(countings))
	for _, c := range countings {
		counted = append(counted, c.CategoryID)
	}
	if err := l.sendTimeWarnings(user, counted, elapsed); err != nil {
		return nil, err
	}

	msg, err := l.statusMessage(now, foreground, audioPackage, background, blocked, blockAudio, user, device)
	if err != nil {
		return nil, err
	}
	l.presenter.SetAppStatusMessage(msg)

	if blocked != nil {
		metrics.BlockingDecisionsTotal.WithLabelValues(blocked.CategoryID, blocked.Reason.String()).Inc()
		if blocked.SoftBlocking {
			l.presenter.SetShowBlockingOverlay(false, nil)
		} else {
			l.presenter.SetShowBlockingOverlay(true, blocked)
		}
		l.presenter.ShowAppLockScreen(*blocked)
	} else {
		l.presenter.SetShowBlockingOverlay(false, nil)
	}
	if blockAudio && audioPackage != "" {
		l.presenter.MuteAudioIfPossible(audioPackage)
	}

	return l.buildStatus(user, snapshot, screenOn, battery, foreground, audioPackage, background, blocked, counted)
}

func (l *Loop) classify(ctx context.Context, packageName, activityName string, paused, pauseCounting bool, user *storage.UserRelatedData, device *storage.DeviceRelatedData) (policy.AppBaseHandling, error) {
	isSystemImageApp := false
	if packageName != "" {
		var err error
		isSystemImageApp, err = l.probe.IsSystemImageApp(ctx, packageName)
		if err != nil {
			return nil, fmt.Errorf("system image app %s: %w", packageName, err)
		}
	}
	return policy.CalculateAppBaseHandling(policy.AppBaseInput{
		PackageName:          packageName,
		ActivityName:         activityName,
		Paused:               paused,
		PauseCounting:        pauseCounting,
		IsSystemImageApp:     isSystemImageApp,
		OwnPackage:           l.cfg.OwnPackage,
		AppRules:             l.appRules,
		UnassignedSystemApps: l.cfg.UnassignedSystemApps,
		User:                 user,
		Device:               device,
	}), nil
}

func (l *Loop) blockedForegroundApp(foreground []classifiedApp, device *storage.DeviceRelatedData) (*platform.BlockedApp, error) {
	for _, fg := range foreground {
		blocked := &platform.BlockedApp{
			PackageName:  fg.app.PackageName,
			ActivityName: fg.app.ActivityName,
			SoftBlocking: device.Device.EnableSoftBlocking,
		}
		switch h := fg.handling.(type) {
		case policy.BlockDueToNoCategory:
			blocked.Level = policy.BlockingLevelApp
			return blocked, nil
		case policy.UseCategories:
			for _, id := range h.CategoryIDs {
				verdict, err := l.cache.Get(id)
				if err != nil {
					return nil, err
				}
				if verdict.ShouldBlockActivities() {
					blocked.CategoryID = id
					blocked.Reason = verdict.Reason
					blocked.Level = h.Level
					return blocked, nil
				}
			}
		}
	}
	return nil, nil
}

func (l *Loop) blocksAudio(background policy.AppBaseHandling) (bool, error) {
	switch h := background.(type) {
	case policy.BlockDueToNoCategory:
		return true, nil
	case policy.UseCategories:
		for _, id := range h.CategoryIDs {
			verdict, err := l.cache.Get(id)
			if err != nil {
				return false, err
			}
			if verdict.ShouldBlockActivities() || verdict.BlockAllNotifications {
				return true, nil
			}
		}
	}
	return false, nil
}

// sendTimeWarnings notifies when the remaining time of a counted category
// crosses a configured whole minute.
func (l *Loop) sendTimeWarnings(user *storage.UserRelatedData, counted []string, elapsed time.Duration) error {
	for _, id := range counted {
		data, ok := user.Categories[id]
		if !ok {
			continue
		}
		h, err := l.cache.Get(id)
		if err != nil {
			return err
		}
		if h.RemainingTime == nil {
			continue
		}

		newRemaining := h.RemainingTime.IncludingExtraTime - l.helper.CountedTimeFor(id)
		oldRemaining := newRemaining + elapsed
		if oldRemaining/time.Minute == newRemaining/time.Minute {
			continue
		}

		rounded := int(newRemaining/time.Minute) + 1
		for bit, minutes := range storage.TimeWarningMinutes {
			if minutes == rounded && data.Category.TimeWarnings&(1<<bit) != 0 {
				l.presenter.ShowTimeWarningNotification(
					fmt.Sprintf(titleTimeWarning, data.Category.Title),
					fmt.Sprintf(textRemaining, formatDuration(time.Duration(rounded)*time.Minute)),
				)
			}
		}
	}
	return nil
}

func (l *Loop) revokeTemporarilyAllowedApps(ctx context.Context) error {
	ctx, cancel := l.storageContext(ctx)
	defer cancel()

	device := l.device.Device
	device.TemporarilyAllowedApps = nil
	if err := l.store.Devices().Upsert(ctx, device); err != nil {
		return fmt.Errorf("revoke temporarily allowed apps: %w", err)
	}
	l.device = &storage.DeviceRelatedData{Device: device}
	l.setRevokePrompt(false)
	l.logger.Info().Msg("Revoked temporarily allowed apps while the screen is off")
	return nil
}

func (l *Loop) setRevokePrompt(show bool) {
	if l.revokePrompt != nil && *l.revokePrompt == show {
		return
	}
	l.revokePrompt = &show
	l.presenter.SetShowNotificationToRevokeTemporarilyAllowedApps(show)
}

func sameCategories(a, b *storage.UserRelatedData) bool {
	if len(a.Categories) != len(b.Categories) {
		return false
	}
	for id := range a.Categories {
		if _, ok := b.Categories[id]; !ok {
			return false
		}
	}
	return true
}
