package discovery

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/config"
)

// debounceDelay collapses the bursts of filesystem events that editors and
// configmap updates produce into one reload.
const debounceDelay = 250 * time.Millisecond

// FileWatcher implements dynamic discovery: it watches a JSON configuration
// document on disk and applies it through the config runtime whenever the
// file changes. The watch is on the parent directory because most writers
// replace the file (rename) rather than write it in place.
type FileWatcher struct {
	path    string
	runtime *config.Runtime
}

func NewFileWatcher(path string, runtime *config.Runtime) *FileWatcher {
	return &FileWatcher{path: path, runtime: runtime}
}

// Run loads the file once, then watches it until the context is done.
func (w *FileWatcher) Run(ctx context.Context) error {
	if err := w.load(ctx); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
				fire = debounce.C
			} else {
				debounce.Reset(debounceDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			dlog.Errorf(ctx, "config file watch: %v", err)
		case <-fire:
			debounce, fire = nil, nil
			// A bad document keeps the previous configuration active.
			if err := w.load(ctx); err != nil {
				dlog.Errorf(ctx, "config file reload: %v", err)
			}
		}
	}
}

func (w *FileWatcher) load(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	doc, err := config.Parse(data)
	if err != nil {
		return err
	}
	return w.runtime.Apply(ctx, doc)
}
