// Package watcher provides file system watching with debouncing for the
// communications document. Registered listeners receive the parsed document
// on every external change; a listener never hears about writes it authored
// itself.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/orchestrate/internal/commbus"
	"github.com/zjrosen/orchestrate/internal/log"
)

// minDebounce is the floor applied to the configured debounce window.
const minDebounce = 20 * time.Millisecond

// ChangeFunc handles a changed communications document.
type ChangeFunc func(doc *commbus.Document) error

// Watcher monitors the communications document for changes and fans the
// parsed document out to registered listeners.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	bus       *commbus.Bus
	debounce  time.Duration
	done      chan struct{}
	stopOnce  sync.Once

	mu        sync.Mutex
	listeners map[string]ChangeFunc
	lastHash  string
}

// Config holds watcher configuration options.
type Config struct {
	Bus         *commbus.Bus
	DebounceDur time.Duration
}

// New creates a watcher over the bus's document file.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	debounce := cfg.DebounceDur
	if debounce < minDebounce {
		debounce = minDebounce
	}

	return &Watcher{
		fsWatcher: fsw,
		bus:       cfg.Bus,
		debounce:  debounce,
		done:      make(chan struct{}),
		listeners: make(map[string]ChangeFunc),
	}, nil
}

// Register adds a listener keyed by agent id. Changes authored by the same
// id are suppressed for that listener. Registering an existing id replaces
// its callback.
func (w *Watcher) Register(agentID string, fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[agentID] = fn
}

// Unregister removes a listener. Unknown ids are a no-op.
func (w *Watcher) Unregister(agentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, agentID)
}

// Start begins watching the document's directory. The document is created
// if absent so the baseline hash is well defined.
func (w *Watcher) Start() error {
	if _, err := w.bus.ReadRaw(); err != nil {
		return err
	}
	hash, err := w.bus.FileHash()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()

	// Watch the directory, not the file: scoped writes rename over the
	// target, which breaks a direct file watch.
	dir := filepath.Dir(w.bus.Path())
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	log.SafeGo("watcher.loop", w.loop)
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				pending = false
				w.dispatch()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "fsnotify error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event should trigger a refresh. Rename
// events matter because scoped writes land via rename.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.bus.Path())
}

// dispatch reads the document and notifies listeners. Unchanged content
// (hash match) is skipped, so touch-without-change produces no callbacks.
func (w *Watcher) dispatch() {
	hash, err := w.bus.FileHash()
	if err != nil {
		log.ErrorErr(log.CatWatcher, "hashing communications document", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	doc, err := w.bus.ReadRaw()
	if err != nil {
		log.ErrorErr(log.CatWatcher, "reading communications document", err)
		return
	}

	var author string
	if doc.Meta.LastUpdatedBy != nil {
		author = *doc.Meta.LastUpdatedBy
	}

	w.mu.Lock()
	targets := make(map[string]ChangeFunc, len(w.listeners))
	for id, fn := range w.listeners {
		if id == author && author != "" {
			continue
		}
		targets[id] = fn
	}
	w.mu.Unlock()

	for id, fn := range targets {
		if err := fn(doc); err != nil {
			log.Error(log.CatWatcher, "change listener failed", "agent", id, "error", err)
		}
	}
}
