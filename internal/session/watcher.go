package session

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// WatcherConfig holds configuration for the session file watcher.
type WatcherConfig struct {
	// Path is the session state file to watch.
	Path string

	// WatchInterval is the fallback polling interval when fsnotify is not available.
	WatchInterval time.Duration

	// OnChange is called when the session file changes on disk.
	OnChange func()
}

// DefaultWatchInterval is the fallback polling interval.
const DefaultWatchInterval = 5 * time.Second

// DefaultDebounceInterval is the time to wait after the last file change
// before firing OnChange. A refresh writes temp file + rename in quick
// succession; debouncing collapses that into one notification.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher monitors the session state file for changes and notifies the owner
// so that in-memory token and region caches can be invalidated. The browser
// refresh path may run in a separate process sharing the same session file,
// which makes external writes a normal occurrence rather than an edge case.
//
// It uses fsnotify with a fallback to polling for environments where fsnotify
// is not available or reliable.
type Watcher struct {
	mu sync.Mutex

	config WatcherConfig

	// fsWatcher is the fsnotify watcher (may be nil if fsnotify is unavailable)
	fsWatcher *fsnotify.Watcher

	stopCh  chan struct{}
	running bool

	// lastModTime tracks the last modification time for fallback polling
	lastModTime time.Time

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a new session file watcher.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.WatchInterval == 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	return &Watcher{config: config}
}

// Start begins watching for session state changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("SessionWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	w.fsWatcher = watcher

	// Watch the directory, not the file: the store replaces the file via
	// rename, and a watch on the old inode would go stale.
	dir := filepath.Dir(w.config.Path)
	if err := w.fsWatcher.Add(dir); err != nil {
		logging.Warn("SessionWatcher", "Failed to watch directory %s, falling back to polling: %v", dir, err)
		w.fsWatcher.Close()
		w.fsWatcher = nil
		go w.pollForChanges()
		return nil
	}

	eventsCh := w.fsWatcher.Events
	errorsCh := w.fsWatcher.Errors

	go w.processEvents(eventsCh, errorsCh)

	logging.Info("SessionWatcher", "Started watching %s for session changes", w.config.Path)
	return nil
}

// processEvents handles fsnotify events.
// The channels are passed as parameters to avoid race conditions with Stop().
func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("SessionWatcher", err, "fsnotify error")
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.config.Path) {
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	logging.Debug("SessionWatcher", "Session file changed: %s", event.Name)
	w.triggerChangeDebounced()
}

// triggerChangeDebounced fires OnChange after the debounce period.
func (w *Watcher) triggerChangeDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

// pollForChanges implements fallback polling when fsnotify is not available.
func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(w.config.WatchInterval)
	defer ticker.Stop()

	if info, err := os.Stat(w.config.Path); err == nil {
		w.lastModTime = info.ModTime()
	}

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			info, err := os.Stat(w.config.Path)
			if err != nil {
				continue
			}
			if !w.lastModTime.IsZero() && info.ModTime().After(w.lastModTime) {
				logging.Debug("SessionWatcher", "Session file change detected via polling")
				w.triggerChangeDebounced()
			}
			w.lastModTime = info.ModTime()
		}
	}
}

// Stop gracefully stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("SessionWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}

	return nil
}

// IsRunning returns whether the watcher is currently active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
