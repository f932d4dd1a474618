package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/config"
)

// watchConfig reloads path whenever it changes and hands valid configurations
// to onChange. The directory is watched rather than the file so editors that
// replace the file on save are still seen. It returns when ctx is done.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("Watching configuration", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			next, err := config.Load(target)
			if err != nil {
				logger.Warn("Ignoring invalid configuration change", slog.String("error", err.Error()))
				continue
			}
			logger.Debug("Configuration reloaded", slog.String("op", event.Op.String()))
			onChange(next)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", slog.String("error", err.Error()))
		}
	}
}
