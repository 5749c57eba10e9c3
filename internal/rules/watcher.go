package rules

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/watch"
)

// Watcher re-imports the rules document whenever it changes.
type Watcher struct {
	store     storage.Store
	path      string
	timeout   time.Duration
	onApplied func()
	logger    zerolog.Logger
	fw        *watch.FileWatcher
}

// NewWatcher creates a watcher. onApplied runs after every successful
// import.
func NewWatcher(store storage.Store, path string, timeout time.Duration, onApplied func(), logger zerolog.Logger) *Watcher {
	w := &Watcher{
		store:     store,
		path:      path,
		timeout:   timeout,
		onApplied: onApplied,
		logger:    logger.With().Str("component", "rules").Logger(),
	}
	w.fw = watch.New(path, 0, w.reload, logger)
	return w
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.logger.Info().Str("path", w.path).Msg("Watching rules document")
	return w.fw.Start()
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.fw.Stop()
}

func (w *Watcher) reload() {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if _, err := Import(ctx, w.store, w.path, w.logger); err != nil {
		w.logger.Error().Err(err).Msg("Failed to import changed rules, keeping previous rules")
		return
	}
	if w.onApplied != nil {
		w.onApplied()
	}
}
