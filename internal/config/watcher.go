package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and reapplies the config when it changes.
type Watcher struct {
	cfg      *Config
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	onReload []func(*Config)
}

// NewWatcher creates a watcher for the config's .env file.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:      cfg,
		watcher:  fw,
		stopChan: make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after a successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start begins watching. Editors replace files rather than rewrite them, so
// the parent directory is watched and events are debounced.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.cfg.EnvPath())
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		return err
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.cfg.EnvPath()) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	if err := w.cfg.Reload(); err != nil {
		log.Error().Err(err).Msg("Config reload failed, keeping previous settings")
		return
	}
	log.Info().Str("path", w.cfg.EnvPath()).Msg("Configuration reloaded")

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(w.cfg)
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
			log.Debug().Err(err).Msg("Closing fsnotify watcher")
		}
	})
}
