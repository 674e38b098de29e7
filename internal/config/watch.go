package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is anything that can re-read rt's config file and apply it.
// Runtime itself satisfies this; a caller layering more components on
// top of Runtime (like server.State, which also owns dispatcher
// settings Runtime doesn't know about) can pass its own Reload method
// instead, so one file watcher keeps everything in sync.
type Reloader interface {
	Reload() error
}

// Watcher triggers a Reloader whenever the backing config file changes
// on disk. It watches the file's parent directory rather than the file
// itself: editors and config-management tools commonly replace a file
// via rename-into-place, which fsnotify only reports reliably as an
// event on the containing directory.
type Watcher struct {
	path    string
	reload  Reloader
	watcher *fsnotify.Watcher
	done    chan struct{}

	debounceMu sync.Mutex
	timer      *time.Timer
}

// debounceWindow coalesces bursts of filesystem events from a single
// logical save (many editors emit write+chmod+rename in quick
// succession) into one reload.
const debounceWindow = 250 * time.Millisecond

// Watch starts watching path for changes and calls reload.Reload()
// whenever it changes; call Close to stop. Reload errors are logged,
// not returned, since they happen asynchronously after startup.
func Watch(path string, reload Reloader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, reload: reload, watcher: fsw, done: make(chan struct{})}
	go w.loop(filepath.Clean(path))
	return w, nil
}

func (w *Watcher) loop(targetPath string) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != targetPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		if err := w.reload.Reload(); err != nil {
			log.Printf("config reload failed: %v", err)
			return
		}
		log.Printf("config reloaded from %s", w.path)
	})
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	w.debounceMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.debounceMu.Unlock()
	return w.watcher.Close()
}
