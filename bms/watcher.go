package bms

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig watches a threshold config file and sends the reloaded config
// on updateChan whenever the file is rewritten. Parse and validation errors
// are logged and the previous config stays in effect. Meant to run in its
// own goroutine; returns when ctx is cancelled.
func WatchConfig(ctx context.Context, path string, updateChan chan<- *ThresholdConfig, logger *Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Errorf("config watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		logger.Errorf("config watcher: cannot watch %s: %v", path, err)
		return
	}
	logger.Infof("Watching config file %s", path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Editors fire several events per save; let the file settle.
			time.Sleep(100 * time.Millisecond)

			cfg, err := LoadThresholdConfig(path)
			if err != nil {
				logger.Warnf("Config reload failed, keeping previous: %v", err)
				continue
			}
			logger.Infof("Config file %s changed, reloaded", path)
			select {
			case updateChan <- cfg:
			case <-ctx.Done():
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher: %v", err)
		}
	}
}
