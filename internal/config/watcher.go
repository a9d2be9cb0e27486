package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the resources directory for changes and invokes a
// reload callback, debounced so editors writing several files in a burst
// trigger a single reload. Intended for dev mode; production configs are
// immutable for the process lifetime.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	onReload func()
}

const reloadDebounce = 500 * time.Millisecond

// NewWatcher creates a watcher over the resources directory.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		watcher:  fsw,
		stopChan: make(chan struct{}),
	}, nil
}

// SetReloadCallback sets the function invoked after a change settles.
func (w *Watcher) SetReloadCallback(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = callback
}

// Start begins watching. Subdirectories are registered as well since
// resource names may be nested.
func (w *Watcher) Start() error {
	err := filepath.Walk(w.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	go w.watchForChanges()
	log.Info().Str("path", w.dir).Msg("Started watching resource configs for changes")
	return nil
}

func (w *Watcher) watchForChanges() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Resource config changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.fireReload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Resource config watcher error")
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) fireReload() {
	w.mu.RLock()
	callback := w.onReload
	w.mu.RUnlock()
	if callback != nil {
		callback()
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close resource config watcher")
		}
	})
}
