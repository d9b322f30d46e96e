package detector

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"go-shot-diagnostics/internal/logging"
)

// Watch reloads the detector map whenever path changes, until ctx ends.
// A map that fails to load or names an unknown detector is logged and the
// previous map stays active. The directory is watched so that editors that
// replace the file by rename are picked up too.
func Watch(ctx context.Context, path string, r *Registry, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			m, err := LoadMap(abs)
			if err != nil {
				logger.Warn("detector map reload failed", "path", abs, "error", err)
				continue
			}
			if err := r.SetMap(m); err != nil {
				logger.Warn("detector map rejected", "path", abs, "error", err)
				continue
			}
			logger.Info("detector map reloaded", "path", abs, "buckets", len(m))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("detector map watcher error", "error", err)
		}
	}
}
