// File: control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Config hot reload: watches the config file and re-decodes it on
// change, dispatching the new snapshot to registered listeners.

package control

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader watches a config file and notifies listeners on change.
type Reloader struct {
	path    string
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	listeners []func(*Config)
	done      chan struct{}
}

// NewReloader starts watching path. Listeners added with OnReload run
// on the watcher goroutine; they must not block.
func NewReloader(path string, log *logrus.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	r := &Reloader{
		path:    path,
		log:     log,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// OnReload registers a listener for new config snapshots.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Close stops the watcher.
func (r *Reloader) Close() error {
	close(r.done)
	return r.watcher.Close()
}

func (r *Reloader) run() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(r.path)
			if err != nil {
				r.log.WithError(err).Warn("config reload failed")
				continue
			}
			r.dispatch(cfg)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.WithError(err).Warn("config watcher error")
		}
	}
}

// dispatch runs every listener with the new snapshot.
func (r *Reloader) dispatch(cfg *Config) {
	r.mu.Lock()
	listeners := append([]func(*Config){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}
