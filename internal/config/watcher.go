package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"message-router/internal/common/logging"
	"message-router/internal/transport"
)

// ApplyFunc installs a freshly resolved routing file.
type ApplyFunc func(*Resolved) error

// Watcher reloads the routing file when it changes on disk. A file that
// fails to parse or resolve is logged and the previous configuration
// stays active.
type Watcher struct {
	path     string
	registry *transport.Registry
	apply    ApplyFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

func WithWatcherLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

func NewWatcher(path string, registry *transport.Registry, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		registry: registry,
		apply:    apply,
		watcher:  fsw,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.WithComponent("config-watcher")
	}
	return w, nil
}

// Start watches the file's directory, so editors that replace the file
// by rename are seen too. A stopped watcher can be started again.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if w.watcher == nil {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		w.watcher = fsw
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.loop(ctx, w.watcher, w.stopCh, w.doneCh)

	w.logger.Info("Watching routing file", logging.String("path", w.path))
	return nil
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw := w.watcher
	w.watcher = nil
	if !w.running {
		w.mu.Unlock()
		if fsw == nil {
			return nil
		}
		return fsw.Close()
	}
	w.running = false
	stop, done := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stop)
	<-done
	return fsw.Close()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			w.Reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Routing file watcher error", err)
		}
	}
}

// Reload reads, resolves and applies the routing file once.
func (w *Watcher) Reload() {
	file, err := LoadRoutingFile(w.path)
	if err != nil {
		w.logger.Error("Routing file reload failed", err, logging.String("path", w.path))
		return
	}
	resolved, err := file.Resolve(w.registry)
	if err != nil {
		w.logger.Error("Routing file rejected", err, logging.String("path", w.path))
		return
	}
	if err := w.apply(resolved); err != nil {
		w.logger.Error("Routing configuration not applied", err, logging.String("path", w.path))
		return
	}
	w.logger.Info("Routing file reloaded",
		logging.String("path", w.path),
		logging.Int("entries", len(resolved.Routing.Entries)),
	)
}
