package harvest

import (
	"os"
	"path/filepath"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/state/logger"

	"github.com/fsnotify/fsnotify"
)

// watcher turns file system activity under the result roots into wakeups.
// It only shortens the idle wait; the loop still polls.
type watcher struct {
	fw   *fsnotify.Watcher
	wake chan struct{}
	done chan struct{}
}

func newWatcher(roots []Root) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fw: fw, wake: make(chan struct{}, 1), done: make(chan struct{})}
	for _, r := range roots {
		if err := os.MkdirAll(r.Dir, 0o755); err != nil {
			logger.Warn("result_root_create_failed", "dir", r.Dir, "error", err)
			continue
		}
		w.addTree(r.Dir, 0)
	}
	go w.loop()
	return w, nil
}

// addTree watches dir and the origin and batch directories below it. A batch
// directory is only followed one level further, to its origins.
func (w *watcher) addTree(dir string, depth int) {
	w.add(dir)
	if depth > 1 {
		return
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		switch {
		case ValidOrigin(e.Name()):
			w.add(filepath.Join(dir, e.Name()))
		case depth == 0 && batch.IsDirName(e.Name()):
			w.addTree(filepath.Join(dir, e.Name()), depth+1)
		}
	}
}

func (w *watcher) add(dir string) {
	if err := w.fw.Add(dir); err != nil {
		logger.Debug("result_watch_failed", "dir", dir, "error", err)
	}
}

func (w *watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					switch name := filepath.Base(ev.Name); {
					case ValidOrigin(name):
						w.add(ev.Name)
					case batch.IsDirName(name):
						w.addTree(ev.Name, 1)
					}
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Debug("result_watch_error", "error", err)
		}
	}
}

func (w *watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
