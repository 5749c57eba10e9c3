// Package watch reports changes of a single file.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is used when fsnotify events are missed or
// unavailable.
const DefaultPollInterval = 5 * time.Second

// FileWatcher calls onChange when the watched file is written, created or
// replaced. The parent directory is watched so atomic renames are seen.
type FileWatcher struct {
	path         string
	pollInterval time.Duration
	onChange     func()
	logger       zerolog.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for path. A zero pollInterval uses
// DefaultPollInterval.
func New(path string, pollInterval time.Duration, onChange func(), logger zerolog.Logger) *FileWatcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	w := &FileWatcher{
		path:         filepath.Clean(path),
		pollInterval: pollInterval,
		onChange:     onChange,
		logger:       logger.With().Str("component", "watch").Str("path", path).Logger(),
		stop:         make(chan struct{}),
	}
	w.changed()
	return w
}

// Start begins watching with fsnotify and a polling fallback.
func (w *FileWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			w.logger.Warn().Err(err).Msg("Cannot watch directory, polling only")
			_ = fsw.Close()
		} else {
			w.wg.Add(1)
			go w.watchEvents(fsw)
		}
	} else {
		w.logger.Warn().Err(err).Msg("fsnotify unavailable, polling only")
	}

	// Polling fallback (always runs as safety net)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if w.changed() {
					w.onChange()
				}
			case <-w.stop:
				return
			}
		}
	}()

	return nil
}

func (w *FileWatcher) watchEvents(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer func() { _ = fsw.Close() }()
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && w.changed() {
				w.onChange()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		case <-w.stop:
			return
		}
	}
}

// Stop signals goroutines to exit and waits for them to finish.
func (w *FileWatcher) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// changed records the current size and modification time and reports
// whether either differs from the previous observation.
func (w *FileWatcher) changed() bool {
	var (
		modTime time.Time
		size    int64
	)
	if info, err := os.Stat(w.path); err == nil {
		modTime, size = info.ModTime(), info.Size()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if modTime.Equal(w.modTime) && size == w.size {
		return false
	}
	w.modTime, w.size = modTime, size
	return true
}
