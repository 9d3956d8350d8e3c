package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/secforge/plugrun/logging/logger"
	"github.com/secforge/plugrun/runtime/manifest"
)

// Watcher drives hot reload from filesystem events. Events for a bundle are
// debounced so a multi-file copy triggers one reload, not one per write.
type Watcher struct {
	loader   *Loader
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the given plugin directories and every
// bundle directory beneath them
func NewWatcher(l *Loader, dirs []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &Watcher{
		loader:   l,
		fsw:      fsw,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			logger.Errorf(nil, "failed to watch %s: %v", dir, err)
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				if err := fsw.Add(filepath.Join(dir, entry.Name())); err != nil {
					logger.Errorf(nil, "failed to watch bundle %s: %v", entry.Name(), err)
				}
			}
		}
	}
	return w, nil
}

// Start runs the event loop until Stop or context cancellation
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop ends the event loop and releases the underlying watcher
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	_ = w.fsw.Close()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Errorf(ctx, "watcher error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	// A new bundle directory must itself be watched
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				logger.Errorf(ctx, "failed to watch new bundle %s: %v", ev.Name, err)
			}
			w.schedule(ctx, ev.Name)
			return
		}
	}

	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		if manifestFileName(ev.Name) {
			w.unloadByDir(ctx, filepath.Dir(ev.Name))
			return
		}
	}

	if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
		w.schedule(ctx, filepath.Dir(ev.Name))
	}
}

// schedule arms (or re-arms) the debounce timer for a bundle directory
func (w *Watcher) schedule(ctx context.Context, bundleDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[bundleDir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[bundleDir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, bundleDir)
		w.mu.Unlock()
		w.loadBundle(ctx, bundleDir)
	})
}

// loadBundle loads or reloads the bundle at dir
func (w *Watcher) loadBundle(ctx context.Context, dir string) {
	manifestPath := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(manifestPath); err != nil {
		return // not a bundle, or already gone
	}
	md, err := manifest.ParseFile(manifestPath)
	if err != nil {
		logger.Errorf(ctx, "hot reload skipping %s: %v", dir, err)
		return
	}
	if !w.loader.shouldLoad(md.ID) {
		return
	}
	if err := w.loader.LoadPlugin(ctx, md, dir); err != nil {
		logger.Errorf(ctx, "hot reload of %s failed: %v", md.ID, err)
	}
}

// unloadByDir unloads whichever plugin was loaded from dir
func (w *Watcher) unloadByDir(ctx context.Context, dir string) {
	w.loader.mu.RLock()
	var id string
	for pluginID, rec := range w.loader.plugins {
		if rec.dir == dir {
			id = pluginID
			break
		}
	}
	w.loader.mu.RUnlock()
	if id == "" {
		return
	}
	if err := w.loader.UnloadPlugin(ctx, id); err != nil {
		logger.Errorf(ctx, "hot unload of %s failed: %v", id, err)
	}
}
