package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the configuration reloaded after the file changed.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file whenever it is written and hands the
// result to a ChangeHandler. A file that fails to load is logged and the
// previous configuration stays in effect.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	reload   func() (*Config, error)
	onChange ChangeHandler
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// Watch starts watching path. reload is called on every change, normally
// a closure over Load with the same path and flags.
func Watch(path string, reload func() (*Config, error), onChange ChangeHandler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// watch the directory: editors often replace the file instead of
	// writing it in place
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", absPath, err)
	}

	w := &Watcher{
		watcher:  watcher,
		path:     absPath,
		reload:   reload,
		onChange: onChange,
		logger:   logger.With("module", "config", "file", absPath),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if absPath, _ := filepath.Abs(event.Name); absPath != w.path {
				continue
			}
			cfg, err := w.reload()
			if err != nil {
				w.logger.Warn("config reload failed", "error", err)
				continue
			}
			w.logger.Info("config reloaded", "log_level", cfg.Log.Level)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
