// Package reload watches the aggregator's config file and re-applies it to
// a running controller on every write (SPEC_FULL.md §4.8, §6).
package reload

import (
	"context"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"mcpgate/internal/config"
	"mcpgate/internal/controller"
)

// Watcher re-reads a config file on every fsnotify write event and pushes
// the result into a controller via Reload.
type Watcher struct {
	path string
	fs   afero.Fs
	ctrl *controller.Controller
}

// New builds a watcher for path, bound to ctrl.
func New(fs afero.Fs, path string, ctrl *controller.Controller) *Watcher {
	return &Watcher{path: path, fs: fs, ctrl: ctrl}
}

// Watch blocks, reloading on every write/create event until ctx is canceled.
// Errors setting up the underlying fsnotify watch are returned; reload
// errors encountered while running are logged and otherwise ignored so a
// momentarily invalid config file doesn't take down the process.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("reload: watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.Load(w.fs, w.path, os.Getenv)
	if err != nil {
		log.Printf("reload: config reload failed, keeping previous config: %v", err)
		return
	}
	w.ctrl.Reload(cfg.Upstream)
	log.Printf("reload: applied config change from %s (%d upstreams)", w.path, len(cfg.Upstream))
}
