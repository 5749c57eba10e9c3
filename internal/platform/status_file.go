package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/watch"
)

// StatusDocument is the device state written by the device agent.
type StatusDocument struct {
	ScreenOn             bool                 `json:"screen_on"`
	Battery              policy.BatteryStatus `json:"battery"`
	ForegroundApps       []ForegroundApp      `json:"foreground_apps"`
	MusicPlaybackPackage string               `json:"music_playback_package,omitempty"`
	NetworkID            *string              `json:"network_id,omitempty"`
	SystemImageApps      []string             `json:"system_image_apps,omitempty"`
	// UsageStatsGranted is false when the agent cannot see foreground apps.
	UsageStatsGranted *bool `json:"usage_stats_granted,omitempty"`
}

// StatusFileProbe implements Probe by reading a JSON status document. The
// document is reloaded whenever the file changes.
type StatusFileProbe struct {
	path    string
	logger  zerolog.Logger
	watcher *watch.FileWatcher

	mu        sync.RWMutex
	doc       *StatusDocument
	systemApp map[string]struct{}
	loadErr   error
}

// NewStatusFileProbe reads path once. A missing or broken document is not
// fatal; probes fail until a valid document appears.
func NewStatusFileProbe(path string, logger zerolog.Logger) *StatusFileProbe {
	p := &StatusFileProbe{
		path:   path,
		logger: logger.With().Str("component", "platform").Logger(),
	}
	if err := p.Reload(); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("Device status not available yet")
	}
	return p
}

// Watch reloads the document on change until Close is called.
func (p *StatusFileProbe) Watch() error {
	p.watcher = watch.New(p.path, 0, func() {
		if err := p.Reload(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to reload device status")
		}
	}, p.logger)
	return p.watcher.Start()
}

// Close stops watching.
func (p *StatusFileProbe) Close() {
	if p.watcher != nil {
		p.watcher.Stop()
	}
}

// Reload reads the document from disk.
func (p *StatusFileProbe) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		err = fmt.Errorf("read device status: %w", err)
		p.setError(err)
		return err
	}

	var doc StatusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		err = fmt.Errorf("parse device status: %w", err)
		p.setError(err)
		return err
	}
	if doc.Battery.Level < 0 || doc.Battery.Level > 100 {
		err := fmt.Errorf("parse device status: battery level %d out of range", doc.Battery.Level)
		p.setError(err)
		return err
	}

	systemApps := make(map[string]struct{}, len(doc.SystemImageApps))
	for _, app := range doc.SystemImageApps {
		systemApps[app] = struct{}{}
	}

	p.mu.Lock()
	p.doc = &doc
	p.systemApp = systemApps
	p.loadErr = nil
	p.mu.Unlock()

	p.logger.Debug().Int("foreground_apps", len(doc.ForegroundApps)).Bool("screen_on", doc.ScreenOn).Msg("Device status loaded")
	return nil
}

// Set replaces the document without touching the file.
func (p *StatusFileProbe) Set(doc StatusDocument) {
	systemApps := make(map[string]struct{}, len(doc.SystemImageApps))
	for _, app := range doc.SystemImageApps {
		systemApps[app] = struct{}{}
	}
	p.mu.Lock()
	p.doc = &doc
	p.systemApp = systemApps
	p.loadErr = nil
	p.mu.Unlock()
}

func (p *StatusFileProbe) setError(err error) {
	p.mu.Lock()
	p.loadErr = err
	p.mu.Unlock()
}

func (p *StatusFileProbe) current() (*StatusDocument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.doc == nil {
		if p.loadErr != nil {
			return nil, p.loadErr
		}
		return nil, errors.New("device status not loaded")
	}
	return p.doc, nil
}

// ForegroundApps implements Probe.
func (p *StatusFileProbe) ForegroundApps(ctx context.Context) ([]ForegroundApp, error) {
	doc, err := p.current()
	if err != nil {
		return nil, err
	}
	if doc.UsageStatsGranted != nil && !*doc.UsageStatsGranted {
		return nil, fmt.Errorf("foreground apps: %w", ErrPermissionDenied)
	}
	return append([]ForegroundApp(nil), doc.ForegroundApps...), nil
}

// MusicPlaybackPackage implements Probe.
func (p *StatusFileProbe) MusicPlaybackPackage(ctx context.Context) (string, error) {
	doc, err := p.current()
	if err != nil {
		return "", err
	}
	return doc.MusicPlaybackPackage, nil
}

// BatteryStatus implements Probe.
func (p *StatusFileProbe) BatteryStatus(ctx context.Context) (policy.BatteryStatus, error) {
	doc, err := p.current()
	if err != nil {
		return policy.BatteryStatus{}, err
	}
	return doc.Battery, nil
}

// NetworkID implements Probe.
func (p *StatusFileProbe) NetworkID(ctx context.Context) (*string, error) {
	doc, err := p.current()
	if err != nil {
		return nil, err
	}
	if doc.NetworkID == nil {
		return nil, nil
	}
	id := *doc.NetworkID
	return &id, nil
}

// IsScreenOn implements Probe.
func (p *StatusFileProbe) IsScreenOn(ctx context.Context) (bool, error) {
	doc, err := p.current()
	if err != nil {
		return false, err
	}
	return doc.ScreenOn, nil
}

// IsSystemImageApp implements Probe.
func (p *StatusFileProbe) IsSystemImageApp(ctx context.Context, packageName string) (bool, error) {
	if _, err := p.current(); err != nil {
		return false, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.systemApp[packageName]
	return ok, nil
}
