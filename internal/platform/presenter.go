package platform

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/metrics"
)

// TimeWarning is a sent time warning notification.
type TimeWarning struct {
	Title string    `json:"title"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// PresenterState is what the device is currently showing.
type PresenterState struct {
	StatusMessage                  *StatusMessage `json:"status_message,omitempty"`
	OverlayShown                   bool           `json:"overlay_shown"`
	Blocked                        *BlockedApp    `json:"blocked,omitempty"`
	LockScreen                     *BlockedApp    `json:"lock_screen,omitempty"`
	Muted                          []string       `json:"muted,omitempty"`
	RevokeTemporarilyAllowedPrompt bool           `json:"revoke_temporarily_allowed_prompt"`
	LastWarning                    *TimeWarning   `json:"last_warning,omitempty"`
}

// LogPresenter implements Presenter by logging state changes. The latest
// state is kept for the admin API.
type LogPresenter struct {
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state PresenterState
}

// NewLogPresenter creates a presenter. now may be nil.
func NewLogPresenter(logger zerolog.Logger, now func() time.Time) *LogPresenter {
	if now == nil {
		now = time.Now
	}
	return &LogPresenter{
		logger: logger.With().Str("component", "presenter").Logger(),
		now:    now,
	}
}

// State returns a copy of the current state.
func (p *LogPresenter) State() PresenterState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state := p.state
	state.Muted = append([]string(nil), p.state.Muted...)
	return state
}

// SetAppStatusMessage implements Presenter.
func (p *LogPresenter) SetAppStatusMessage(msg *StatusMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if equalStatus(p.state.StatusMessage, msg) {
		return
	}
	if msg == nil {
		p.state.StatusMessage = nil
		p.logger.Debug().Msg("Status message cleared")
		return
	}
	copied := *msg
	p.state.StatusMessage = &copied
	p.logger.Debug().Str("title", msg.Title).Str("text", msg.Text).Str("sub_text", msg.SubText).Msg("Status message")
}

// SetShowBlockingOverlay implements Presenter.
func (p *LogPresenter) SetShowBlockingOverlay(show bool, blocked *BlockedApp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if show {
		metrics.BlockingOverlayShown.Set(1)
	} else {
		metrics.BlockingOverlayShown.Set(0)
		blocked = nil
	}
	changed := p.state.OverlayShown != show
	p.state.OverlayShown = show
	if blocked != nil {
		copied := *blocked
		p.state.Blocked = &copied
	} else {
		p.state.Blocked = nil
	}
	if !changed {
		return
	}
	if show {
		event := p.logger.Info()
		if blocked != nil {
			event = event.Str("package", blocked.PackageName).Str("category", blocked.CategoryID).Stringer("reason", blocked.Reason)
		}
		event.Msg("Blocking overlay shown")
	} else {
		p.logger.Info().Msg("Blocking overlay hidden")
	}
}

// ShowAppLockScreen implements Presenter.
func (p *LogPresenter) ShowAppLockScreen(blocked BlockedApp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.LockScreen != nil && *p.state.LockScreen == blocked {
		return
	}
	p.state.LockScreen = &blocked
	p.logger.Info().
		Str("package", blocked.PackageName).
		Str("activity", blocked.ActivityName).
		Str("category", blocked.CategoryID).
		Stringer("reason", blocked.Reason).
		Stringer("level", blocked.Level).
		Msg("App lock screen opened")
}

// ShowTimeWarningNotification implements Presenter.
func (p *LogPresenter) ShowTimeWarningNotification(title, text string) {
	metrics.TimeWarningsTotal.Inc()
	p.mu.Lock()
	p.state.LastWarning = &TimeWarning{Title: title, Text: text, At: p.now()}
	p.mu.Unlock()
	p.logger.Info().Str("title", title).Str("text", text).Msg("Time warning")
}

// MuteAudioIfPossible implements Presenter.
func (p *LogPresenter) MuteAudioIfPossible(packageName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, muted := range p.state.Muted {
		if muted == packageName {
			return
		}
	}
	p.state.Muted = append(p.state.Muted, packageName)
	p.logger.Info().Str("package", packageName).Msg("Audio muted")
}

// SetShowNotificationToRevokeTemporarilyAllowedApps implements Presenter.
func (p *LogPresenter) SetShowNotificationToRevokeTemporarilyAllowedApps(show bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.RevokeTemporarilyAllowedPrompt == show {
		return
	}
	p.state.RevokeTemporarilyAllowedPrompt = show
	p.logger.Debug().Bool("show", show).Msg("Revoke temporarily allowed apps notification")
}

func equalStatus(a, b *StatusMessage) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
