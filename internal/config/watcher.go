package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads configPath whenever it changes and hands every valid result to
// onChange. Invalid edits are logged and ignored. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, configPath string, logger *logrus.Entry, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so atomic renames by editors are still seen.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return err
	}

	target := filepath.Clean(configPath)
	var pending <-chan time.Time

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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}

		case <-pending:
			pending = nil
			cfg, err := LoadConfig(configPath)
			if err != nil {
				logger.WithError(err).Warn("Ignoring invalid configuration change")
				continue
			}
			logger.WithField("path", configPath).Info("Configuration reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("Config watcher error")
		}
	}
}
