package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

// Watcher reloads Config from disk whenever the backing config file
// changes, invoking a callback with the freshly loaded Config.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger zerolog.Logger
}

// WatchConfigFile watches configPath (as returned by Config.ConfigFilePath)
// for writes and invokes onChange with a freshly reloaded Config on each
// one. A reload failure is logged and skipped rather than propagated, since
// a transient partial write during an editor save shouldn't tear anything
// down. Returns nil, nil when configPath is empty (no file to watch).
func WatchConfigFile(configPath string, onChange func(*Config)) (*Watcher, error) {
	if configPath == "" {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the containing directory, not the file itself: editors commonly
	// replace a file via rename-on-save, which drops a direct watch.
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, logger: observability.Logger("config.watch")}
	target := filepath.Clean(configPath)

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load()
				if err != nil {
					w.logger.Warn().Err(err).Msg("config reload failed, keeping previous configuration")
					continue
				}
				onChange(cfg)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	return w.fsw.Close()
}
