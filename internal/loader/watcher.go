package loader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more changes before reloading.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads a Loader when its definition files change.
type Watcher struct {
	loader   *Loader
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a Watcher for loader.
func NewWatcher(loader *Loader, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{loader: loader, debounce: debounce, logger: logger}
}

// Run watches the loader's directories until ctx is cancelled. Directories
// are created if missing so files added later are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, dir := range w.loader.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := fsw.Add(dir); err != nil {
			return err
		}
		w.logger.Debug("watching definitions", slog.String("dir", dir))
	}

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("definition watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !IsDefinitionFile(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("definition changed",
		slog.String("path", ev.Name),
		slog.String("op", ev.Op.String()),
	)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if err := w.loader.Load(); err != nil {
		w.logger.Error("reload definitions", slog.String("error", err.Error()))
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
