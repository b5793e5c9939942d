package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDuration groups the burst of events editors produce on save.
const debounceDuration = 500 * time.Millisecond

// WatchConfig watches the given files and emits on the returned channel
// after a debounced change. The channel is closed when ctx ends.
//
// Directories are watched rather than files so that atomic saves (write to
// a temp file, then rename) keep being noticed.
func WatchConfig(ctx context.Context, files ...string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create fsnotify watcher", "error", err)
		close(reloadCh)
		return reloadCh
	}

	targets := make(map[string]bool)
	for _, file := range files {
		absPath, err := filepath.Abs(file)
		if err != nil {
			slog.Warn("Could not resolve absolute path for watch file", "file", file)
			continue
		}
		targets[absPath] = true
		if err := watcher.Add(filepath.Dir(absPath)); err != nil {
			slog.Warn("Could not watch file", "file", file, "error", err)
		} else {
			slog.Debug("Watching configuration file", "file", file)
		}
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		timer := time.NewTimer(debounceDuration)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(event.Name)] {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
					timer.Reset(debounceDuration)
				}

			case <-timer.C:
				slog.Info("Configuration change detected")
				select {
				case reloadCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Watcher encountered an error", "error", err)
			}
		}
	}()

	return reloadCh
}

// WatchSystemConfig keeps live in sync with the system config file until ctx
// ends. onReload, if set, runs after every successful swap.
func WatchSystemConfig(ctx context.Context, path string, live *LiveSystemConfig, onReload func(*SystemConfig)) {
	changes := WatchConfig(ctx, path)
	go func() {
		for range changes {
			if err := live.Reload(path); err != nil {
				slog.Warn("System config reload failed, keeping previous values", "file", path, "error", err)
				continue
			}
			slog.Info("System config reloaded", "file", path)
			if onReload != nil {
				onReload(live.Get())
			}
		}
	}()
}
