// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the config file on change and invokes onChange with the new
// configuration. Reload failures keep the previous config and are only logged.
// Editors often replace files via rename, so the path is re-added after
// remove/rename events.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return err
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
				// Re-watch the path; the writer may have swapped the file.
				time.Sleep(100 * time.Millisecond)
				if err := watcher.Add(path); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("config watch lost")
					continue
				}
			}
			debounce = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		case <-debounce:
			debounce = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Error().Err(err).Str("path", path).Msg("config reload failed, keeping previous")
				continue
			}
			logger.Info().Str("event", "config.reloaded").Str("path", path).Msg("config reloaded")
			onChange(cfg)
		}
	}
}
