package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the config file and republishes the parsed result.
// Only knobs read through Current() pick up changes; components that copy
// values at construction time keep their snapshot.
type Watcher struct {
	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *zap.Logger
}

// NewWatcher wraps an initial config and watches path for rewrites.
// A path of "" disables watching; Current() then always returns the initial
// config.
func NewWatcher(initial *Config, path string, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		current: initial,
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "config-watcher")),
	}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

// Current returns the latest parsed config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load()
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous",
					zap.String("file", ev.Name),
					zap.Error(err),
				)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			w.logger.Info("Config reloaded", zap.String("file", ev.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
