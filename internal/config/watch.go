package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 500 * time.Millisecond

// WatchSettings reloads the settings file when it changes on disk until ctx
// is done. The directory is watched so editors that replace the file through
// a rename are picked up.
func WatchSettings(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create file watcher: %w", err)
	}
	defer watcher.Close()

	path := SettingsPath()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}
	log.Info("Watching settings file for changes", "path", path)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := reloadSettingsFile(path); err != nil {
				log.Error("Failed to reload settings file", "path", path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Settings watcher error", "error", err)
		}
	}
}

func reloadSettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("invalid settings JSON: %w", err)
	}

	configMu.Lock()
	defer configMu.Unlock()

	if reflect.DeepEqual(normalize(cfg), GetConfig()) {
		return nil
	}
	log.Info("Settings file changed on disk, reloading")
	return applyConfigUpdateLocked(cfg, configUpdateOptions{broadcast: true, source: "file-watch"})
}
