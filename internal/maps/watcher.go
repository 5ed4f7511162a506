package maps

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/sievemail/scan_engine/pkg/logger"
)

// defaultSchedule forces a periodic reload even when no file event fires
// (editors that replace files atomically can slip past watchers).
const defaultSchedule = "@every 5m"

// Watcher hot-reloads registered maps on file change, with a cron-driven
// periodic reload as a safety net and exponential backoff on failures.
type Watcher struct {
	log *logger.Logger

	mu      sync.Mutex
	targets map[string]Map // path -> map

	fsw  *fsnotify.Watcher
	cron *cron.Cron

	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// NewWatcher creates an idle watcher.
func NewWatcher(log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{
		log:     log,
		targets: make(map[string]Map),
		stopCh:  make(chan struct{}),
	}
}

// Add registers a map for hot reload of the given backing path.
func (w *Watcher) Add(path string, m Map) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets[filepath.Clean(path)] = m
}

// Start begins watching. Reload failures retry with exponential backoff;
// the previous map content keeps serving throughout.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	w.mu.Lock()
	for path := range w.targets {
		// Watch the directory: atomic renames replace the file inode.
		if err := fsw.Add(filepath.Dir(path)); err != nil {
			w.log.WithField("map", path).WithError(err).Warn("cannot watch map directory")
		}
	}
	w.mu.Unlock()

	w.cron = cron.New()
	if _, err := w.cron.AddFunc(defaultSchedule, func() { w.reloadAll() }); err != nil {
		return err
	}
	w.cron.Start()

	w.doneWg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.cron != nil {
		w.cron.Stop()
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.doneWg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.doneWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			m, watched := w.targets[filepath.Clean(ev.Name)]
			w.mu.Unlock()
			if watched {
				w.reload(ev.Name, m)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("map watcher error")
		}
	}
}

func (w *Watcher) reloadAll() {
	w.mu.Lock()
	targets := make(map[string]Map, len(w.targets))
	for p, m := range w.targets {
		targets[p] = m
	}
	w.mu.Unlock()
	for path, m := range targets {
		w.reload(path, m)
	}
}

func (w *Watcher) reload(path string, m Map) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	err := backoff.Retry(func() error {
		return m.Reload()
	}, policy)
	if err != nil {
		w.log.WithField("map", path).WithError(err).Error("map reload failed after retries")
		return
	}
	w.log.WithField("map", path).Debug("map reloaded")
}
