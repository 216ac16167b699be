package engineconfig

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Config from disk whenever its backing file changes,
// debounced so a burst of writes from an editor only triggers one reload.
type Watcher struct {
	path     string
	log      *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current Config

	watcher *fsnotify.Watcher
	onLoad  func(Config)
}

// NewWatcher loads path once and prepares a Watcher to track further
// changes to it. debounce of zero uses a 250ms default.
func NewWatcher(path string, log *slog.Logger, debounce time.Duration) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{path: path, log: log, debounce: debounce, current: cfg}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload installs a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(Config)) {
	w.onLoad = fn
}

// Start begins watching the config file's directory (watching the
// directory rather than the file catches editors that replace the file via
// rename-into-place) until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go w.loop(ctx)
	return nil
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.log.Warn("config reload failed, keeping previous config", "error", err)
			return
		}
		w.mu.Lock()
		w.current = cfg
		w.mu.Unlock()
		if w.onLoad != nil {
			w.onLoad(cfg)
		}
		w.log.Info("config reloaded", "path", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}
