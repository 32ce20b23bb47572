package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/logging"
)

// DefaultWatchDebounce coalesces bursts of writes from editors.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watch reloads the layered config whenever a config file in globalDir or the
// repo config directory changes, and passes each valid result to onChange.
// Invalid reloads are logged and skipped. It returns once the watcher is set
// up; watching stops when ctx ends.
func Watch(ctx context.Context, globalDir, startDir string, logger *zap.Logger, onChange func(*Config)) error {
	logger = logging.OrNop(logger).Named("config")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Directories rather than files, so editors that replace files by rename are seen.
	dirs := []string{globalDir}
	if repo := FindRepoConfig(startDir); repo != "" {
		dirs = append(dirs, filepath.Dir(repo))
	}
	watched := 0
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			logger.Warn("failed to watch config directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		fw.Close()
		return fmt.Errorf("no config directory could be watched")
	}

	go watchLoop(ctx, fw, logger, func() {
		cfg, err := LoadWithRepo(globalDir, startDir)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Warn("ignoring config reload", zap.Error(err))
			return
		}
		logger.Info("config reloaded")
		onChange(cfg)
	})
	return nil
}

func watchLoop(ctx context.Context, fw *fsnotify.Watcher, logger *zap.Logger, reload func()) {
	defer fw.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isConfigFile(event.Name) {
				continue
			}
			logger.Debug("config file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(DefaultWatchDebounce, reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func isConfigFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return base == "config.json" || base == "config.yaml" || base == "config.yml"
}
