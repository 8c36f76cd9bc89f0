package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports changes to the loaded config file until ctx is done. Routes are
// loaded once, so changes are only surfaced through onChange; the caller decides
// how to react (the server logs that a restart is needed).
//
// The parent directory is watched rather than the file so that editors and
// ConfigMap symlink swaps, which replace the file, are still seen.
func (c *Config) Watch(ctx context.Context, logger *slog.Logger, onChange func(path string)) error {
	if c.filePath == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}

	abs, err := filepath.Abs(c.filePath)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("config: resolve %s: %w", c.filePath, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					onChange(abs)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "err", err)
			}
		}
	}()

	return nil
}
