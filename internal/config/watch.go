package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/fabian4/dynamic-router/internal/logging"
)

// ReloadDebounce coalesces bursts of file events from a single save.
var ReloadDebounce = 250 * time.Millisecond

// Watch reloads path whenever it is written or replaced and hands the new
// config to onChange. Invalid configs are logged and skipped. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, logger *log.Logger, onChange func(*Config)) error {
	logger = logging.Or(logger).WithPrefix("config")
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// watch the directory so atomic renames (editors, ConfigMaps) are seen
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching for configuration changes", "file", abs)

	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer = time.After(ReloadDebounce)
			}
		case <-timer:
			timer = nil
			c, err := Load(abs)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "err", err)
				continue
			}
			logger.Info("config file changed", "routes", len(c.Routes))
			onChange(c)
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Warn("file watcher error", "err", err)
		}
	}
}
