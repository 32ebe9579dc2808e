package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last change before
// reloading.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a Set whenever its backing file changes.
//
// The parent directory is watched rather than the file itself so that
// editors which replace the file by rename are picked up.
type Watcher struct {
	set      *Set
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewWatcher returns a watcher that keeps set in sync with path.
func NewWatcher(set *Set, path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		set:      set,
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		logger:   logger.With("component", "blocklist"),
	}
}

// Watch blocks until ctx is cancelled, reloading the set after every burst
// of changes. A failed reload is logged and the previous set stays active.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.Info("blocklist watcher started",
		"path", w.path,
		"debounce_ms", w.debounce.Milliseconds(),
	)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("blocklist watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.Reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("blocklist watcher error", "error", err)
		}
	}
}

// Reload reads the file into the set once.
func (w *Watcher) Reload() {
	if err := w.set.LoadFile(w.path); err != nil {
		w.logger.Error("blocklist reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("blocklist reloaded", "path", w.path, "entries", w.set.Len())
}
