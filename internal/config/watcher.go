package config

import (
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/smazurov/procvisor/internal/logging"
)

// ErrWatcherStarted is returned by Start on a watcher that is already running.
var ErrWatcherStarted = errors.New("config watcher already started")

// Watcher reloads a configuration file with a typed loader and hands the
// result to every registered handler. The parent directory is watched so
// that editors and tools that replace the file by rename are seen too.
type Watcher[T any] struct {
	path     string
	debounce time.Duration
	loader   func(path string) (T, error)
	onError  func(error)
	logger   logging.Logger

	mu       sync.Mutex
	handlers map[int]func(T)
	nextID   int
	fsw      *fsnotify.Watcher
	quit     chan struct{}
	stopped  chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce sets how long the watcher waits for writes to settle.
// Default is 1500ms.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) { w.debounce = d }
}

// WithErrorHandler is called with every loader error. Errors are logged
// either way and handlers are not called.
func WithErrorHandler[T any](fn func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) { w.onError = fn }
}

// NewConfigWatcher creates a watcher for path. It does nothing until Start
// or Reload is called.
func NewConfigWatcher[T any](
	path string,
	loader func(path string) (T, error),
	logger logging.Logger,
	opts ...WatcherOption[T],
) *Watcher[T] {
	w := &Watcher[T]{
		path:     filepath.Clean(path),
		debounce: 1500 * time.Millisecond,
		loader:   loader,
		logger:   logging.OrDiscard(logger),
		handlers: make(map[int]func(T)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers fn and returns a function that unregisters it.
func (w *Watcher[T]) OnReload(fn func(T)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
	}
}

// Start begins watching.
func (w *Watcher[T]) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return ErrWatcherStarted
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.quit = make(chan struct{})
	w.stopped = make(chan struct{})

	w.logger.Info("Config watcher started", "path", w.path, "debounce", w.debounce)
	go w.loop(fsw, w.quit, w.stopped)
	return nil
}

// Stop ends watching and waits for a reload in progress to finish. Stop on
// a watcher that was never started is a no-op.
func (w *Watcher[T]) Stop() error {
	w.mu.Lock()
	fsw, quit, stopped := w.fsw, w.quit, w.stopped
	w.fsw = nil
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}

	close(quit)
	err := fsw.Close()
	<-stopped
	return err
}

func (w *Watcher[T]) loop(fsw *fsnotify.Watcher, quit <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-quit:
			w.logger.Debug("Config watcher stopped")
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Config file change detected", "op", ev.Op.String())
			settle.Reset(w.debounce)

		case <-settle.C:
			select {
			case <-quit:
				return
			default:
			}
			w.logger.Info("Config file changed, reloading", "path", w.path)
			w.Reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// Reload loads the file and notifies handlers now, as a change would.
func (w *Watcher[T]) Reload() {
	cfg, err := w.loader(w.path)
	if err != nil {
		w.logger.Warn("Failed to load config", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	ids := make([]int, 0, len(w.handlers))
	for id := range w.handlers {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		w.mu.Lock()
		fn, ok := w.handlers[id]
		w.mu.Unlock()
		if ok {
			fn(cfg)
		}
	}
}

// NewLoggingWatcher returns a watcher that re-applies the [logging] table
// of the config file at path whenever it changes.
func NewLoggingWatcher(path string, base logging.Config, logger logging.Logger) *Watcher[logging.Config] {
	w := NewConfigWatcher(path, ReadLoggingConfig, logger)
	w.OnReload(func(cfg logging.Config) {
		cfg.Output = base.Output
		logging.Initialize(cfg)
		w.logger.Info("Logging configuration reloaded", "level", cfg.Level, "format", cfg.Format)
	})
	return w
}
