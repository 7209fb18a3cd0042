// Package watch provides recursive file system watching for a vault
// directory. It uses fsnotify for cross-platform event monitoring and feeds
// raw observations to the debouncer; it performs no coalescing of its own.
package watch

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/perchfs/perch/internal/debounce"
	"github.com/perchfs/perch/internal/vault"
)

// Event is one raw observation for a tracked vault file.
type Event struct {
	// Path is vault-relative, slash-separated.
	Path string
	// Kind is the raw operation before debouncing.
	Kind debounce.Kind
}

// Watcher monitors a vault root and all its subdirectories. fsnotify
// watches are per-directory, so directories created at runtime are added to
// the watch set as their create events arrive.
type Watcher struct {
	root    string
	matcher *vault.Matcher
	logger  *log.Logger

	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a watcher for the vault rooted at root. The watcher must be
// started with Start() before it will emit events.
func New(root string, matcher *vault.Matcher, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:    root,
		matcher: matcher,
		logger:  logger,
		watcher: fsw,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the root and every existing subdirectory and begins
// emitting events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != w.root {
			return fs.SkipDir
		}
		return w.watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("watch vault directories: %w", err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited. The
// event and error channels are closed on return.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of raw observations. Closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watcher errors. Closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := w.convertEvent(event); ok {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a vault observation. Directory
// creations extend the watch set as a side effect and emit nothing.
func (w *Watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(event.Name), ".") {
				if err := w.watcher.Add(event.Name); err != nil {
					w.logger.Printf("failed to watch new directory %s: %v", event.Name, err)
				}
			}
			return Event{}, false
		}
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Event{}, false
	}
	rel = filepath.ToSlash(rel)
	if !w.matcher.Match(rel) {
		return Event{}, false
	}

	var kind debounce.Kind
	switch {
	case event.Has(fsnotify.Create):
		kind = debounce.KindCreated
	case event.Has(fsnotify.Write):
		kind = debounce.KindModified
	case event.Has(fsnotify.Remove):
		kind = debounce.KindRemoved
	case event.Has(fsnotify.Rename):
		// The old name is gone; the new name arrives as its own create.
		kind = debounce.KindRemoved
	default:
		// Chmod and friends.
		return Event{}, false
	}
	return Event{Path: rel, Kind: kind}, true
}

// IsRunning reports whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
