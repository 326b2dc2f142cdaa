package plugins

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads plugins when files under their directories change.
// Events are debounced per plugin so a burst of writes triggers one reload.
type Watcher struct {
	dir      string
	manager  *Manager
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher over the plugins directory.
func NewWatcher(dir string, manager *Manager, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		manager:  manager,
		logger:   logger.With("component", "plugin-watcher"),
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	for _, name := range w.manager.Loaded() {
		// Best effort; a plugin dir removed since load just won't watch.
		_ = fw.Add(filepath.Join(w.dir, name))
	}

	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			plugin := w.pluginFor(event.Name)
			if plugin == "" {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				info, err := filepath.Glob(filepath.Join(w.dir, plugin, ManifestFilename))
				if err == nil && len(info) > 0 {
					_ = fw.Add(filepath.Join(w.dir, plugin))
				}
			}
			if t, ok := timers[plugin]; ok {
				t.Stop()
			}
			name := plugin
			timers[name] = time.AfterFunc(w.debounce, func() {
				w.reload(ctx, name)
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// pluginFor maps a changed path to the plugin directory it belongs to.
func (w *Watcher) pluginFor(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	first := strings.Split(filepath.ToSlash(rel), "/")[0]
	if first == "." || strings.HasPrefix(first, "_") {
		return ""
	}
	return first
}

func (w *Watcher) reload(ctx context.Context, name string) {
	w.logger.Info("plugin changed on disk, reloading", "plugin", name)
	if err := w.manager.Reload(ctx, name); err != nil {
		w.logger.Error("plugin reload failed", "plugin", name, "error", err)
	}
}
