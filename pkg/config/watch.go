package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the file at path when it changes and passes every valid
// configuration to onChange, until ctx is cancelled. Invalid files are
// logged and ignored. The parent directory is watched so editors that
// replace the file are followed.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = telemetry.Nop()
	}
	logger = logger.NewComponentLogger("config")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(reloadDebounce)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				timer.Reset(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			case <-timer.C:
				cfg, err := Load(abs)
				if err != nil {
					logger.WithError(err).Error("ignoring invalid configuration")
					continue
				}
				logger.Info("configuration reloaded")
				onChange(cfg)
			}
		}
	}()
	return nil
}
