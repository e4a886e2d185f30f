package render

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the template whenever its file changes. It blocks until
// ctx is cancelled. The parent directory is watched rather than the file
// so editors that replace the file on save are handled.
func (t *Template) Watch(ctx context.Context) error {
	if t.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(t.path)
	if err != nil {
		return fmt.Errorf("resolving template path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching template directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}

			if err := t.Reload(); err != nil {
				t.logger.Warn("callback template reload failed", slog.String("error", err.Error()))
				continue
			}

			t.logger.Info("callback template reloaded", slog.String("path", t.path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			t.logger.Warn("callback template watcher error", slog.String("error", err.Error()))
		}
	}
}
