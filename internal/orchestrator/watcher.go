package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// topologyWatcher watches the configured paths for changes (a plugin
// binary, a TLS cert, a config fragment) and logs a reload
// recommendation. Nothing restarts the process or its topology in
// response, and no caller is notified of the change.
type topologyWatcher struct {
	w *fsnotify.Watcher
}

func newTopologyWatcher(paths []string, logger *slog.Logger) (*topologyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: new watcher: %w", err)
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, fmt.Errorf("orchestrator: watch %s: %w", p, err)
		}
	}
	return &topologyWatcher{w: w}, nil
}

func (t *topologyWatcher) run(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-t.w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				logger.Info("watched path changed, reload recommended", "path", event.Name, "op", event.Op.String())
			}
		case err, ok := <-t.w.Errors:
			if !ok {
				return
			}
			logger.Warn("topology watcher error", "error", err)
		}
	}
}

func (t *topologyWatcher) close() {
	t.w.Close()
}
