package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits for a burst of file events to
// settle before reloading.
const DefaultDebounce = 200 * time.Millisecond

// Watcher keeps the current snapshot and reloads it when files under the
// roots change.
type Watcher struct {
	roots    func() []string
	log      *logrus.Entry
	debounce time.Duration
	current  atomic.Pointer[Snapshot]

	// reloadMu orders Load+Store so an older load never replaces a newer one.
	reloadMu sync.Mutex

	mu       sync.Mutex
	fs       *fsnotify.Watcher
	onReload []func(*Snapshot)
	errs     chan error
}

// NewWatcher loads the first snapshot. roots is called on every reload so
// newly activated packs are picked up.
func NewWatcher(log *logrus.Entry, roots func() []string) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	w := &Watcher{
		roots:    roots,
		log:      log.WithField("component", "catalog.watcher"),
		debounce: DefaultDebounce,
		errs:     make(chan error, 8),
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the snapshot in effect.
func (w *Watcher) Current() *Snapshot {
	if w == nil {
		return nil
	}
	return w.current.Load()
}

// OnReload registers a callback run after each successful reload.
func (w *Watcher) OnReload(cb func(*Snapshot)) {
	w.mu.Lock()
	w.onReload = append(w.onReload, cb)
	w.mu.Unlock()
}

// Errors reports reload and watch failures. Old snapshots stay in effect.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Reload rebuilds the snapshot now.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	snap, err := Load(w.log, w.roots()...)
	if err != nil {
		w.reloadMu.Unlock()
		return err
	}
	w.current.Store(snap)
	w.reloadMu.Unlock()
	w.mu.Lock()
	cbs := append([]func(*Snapshot){}, w.onReload...)
	fsw := w.fs
	w.mu.Unlock()
	if fsw != nil {
		w.addDirs(fsw, snap.Roots)
	}
	for _, cb := range cbs {
		cb(snap)
	}
	return nil
}

// Watch follows file events until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.mu.Lock()
	w.fs = fsw
	w.mu.Unlock()
	w.addDirs(fsw, w.roots())
	go w.loop(ctx, fsw)
	return nil
}

// addDirs watches each root and every directory below it. fsnotify is not
// recursive.
func (w *Watcher) addDirs(fsw *fsnotify.Watcher, roots []string) {
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if err := fsw.Add(path); err != nil {
				w.log.WithError(err).WithField("dir", path).Warn("watch failed")
			}
			return nil
		})
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.Reload(); err != nil {
					w.report(fmt.Errorf("reload catalog: %w", err))
					return
				}
				w.log.WithField("trigger", ev.Name).Info("catalog reloaded")
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) report(err error) {
	w.log.WithError(err).Warn("catalog watcher")
	select {
	case w.errs <- err:
	default:
	}
}
