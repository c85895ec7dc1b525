package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/matt-riley/flagz-proxy/internal/core"
)

// Watch reloads the strategies file on every write or create and passes the
// result to apply. A reload that fails validation is logged and the previous
// strategies stay in place. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, apply func([]core.Strategy)) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create strategies watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch strategies directory: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			strategies, err := LoadFile(path)
			if err != nil {
				log.Error("reload custom strategies failed", "path", path, "error", err)
				continue
			}
			apply(strategies)
			log.Info("custom strategies reloaded", "path", path, "count", len(strategies))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("strategies watcher error", "error", err)
		}
	}
}
