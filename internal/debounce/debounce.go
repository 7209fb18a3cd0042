// Package debounce turns the raw notification stream from the filesystem
// watcher into settled change intents. Editors produce bursts: a single save
// can surface as create, write, chmod, and rename events within
// milliseconds. The Debouncer holds a per-path timer and only emits once a
// path has been quiet for the configured window, collapsing the burst into
// one intent.
//
// The package also owns self-write suppression. Writes issued by this
// process come back through the watcher like any external edit; the
// PendingWrites table lets the debouncer recognize them by fingerprint and
// drop them before they re-enter the pipeline.
package debounce

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/perchfs/perch/internal/vault"
)

// Kind classifies a raw filesystem observation.
type Kind int

const (
	KindCreated Kind = iota
	KindModified
	KindRemoved
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Intent is a settled change for one path. For non-removals the debouncer
// has already read the file, so the intent carries the observed bytes and
// the fingerprint computed from them.
type Intent struct {
	// Path is vault-relative.
	Path    string
	Removed bool

	Raw         []byte
	Fingerprint uint64
	ModTime     time.Time
}

type pendingEvent struct {
	kind  Kind
	timer *time.Timer
}

// Debouncer coalesces raw events into settled intents. Observe may be
// called from any goroutine; intents are delivered on the channel returned
// by Intents.
type Debouncer struct {
	root   string
	quiet  time.Duration
	writes *PendingWrites
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool

	out  chan Intent
	done chan struct{}
}

// New creates a debouncer for the vault rooted at root. Settled intents
// carry fingerprints of the file as read from that root.
func New(root string, quiet time.Duration, writes *PendingWrites, logger *log.Logger) *Debouncer {
	return &Debouncer{
		root:    root,
		quiet:   quiet,
		writes:  writes,
		logger:  logger,
		pending: make(map[string]*pendingEvent),
		out:     make(chan Intent, 64),
		done:    make(chan struct{}),
	}
}

// Intents returns the settled intent channel. The channel is never closed;
// consumers should select against their own shutdown signal.
func (d *Debouncer) Intents() <-chan Intent {
	return d.out
}

// Observe records a raw event for a path and restarts its quiet window.
// Consecutive observations for the same path collapse pairwise: a create
// followed by a remove within the window annihilates entirely, a modify
// followed by a remove settles as a removal, and a remove followed by a
// create settles as a modification.
func (d *Debouncer) Observe(path string, kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	e, ok := d.pending[path]
	if !ok {
		e = &pendingEvent{kind: kind}
		e.timer = time.AfterFunc(d.quiet, func() { d.settle(path) })
		d.pending[path] = e
		return
	}

	merged, annihilated := collapse(e.kind, kind)
	if annihilated {
		e.timer.Stop()
		delete(d.pending, path)
		d.logger.Printf("created and removed within quiet window, dropping %s", path)
		return
	}
	e.kind = merged
	e.timer.Reset(d.quiet)
}

// collapse merges a new observation into a pending one. The second return
// value reports that the pair cancels out.
func collapse(prev, next Kind) (Kind, bool) {
	switch {
	case prev == KindCreated && next == KindRemoved:
		return 0, true
	case prev == KindCreated:
		return KindCreated, false
	case next == KindRemoved:
		return KindRemoved, false
	case prev == KindRemoved:
		// Removed then recreated: the file exists again with new content.
		return KindModified, false
	default:
		return KindModified, false
	}
}

// settle fires when a path's quiet window elapses. It reads the file,
// checks the self-write table, and emits an intent unless the change is our
// own write coming back.
func (d *Debouncer) settle(path string) {
	d.mu.Lock()
	e, ok := d.pending[path]
	if !ok || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	kind := e.kind
	d.mu.Unlock()

	intent := Intent{Path: path, Removed: kind == KindRemoved}
	if !intent.Removed {
		full := filepath.Join(d.root, filepath.FromSlash(path))
		info, err := os.Stat(full)
		if err != nil {
			// Gone by the time the window elapsed.
			intent.Removed = true
		} else {
			raw, err := os.ReadFile(full)
			if err != nil {
				d.logger.Printf("settle read failed for %s: %v", path, err)
				return
			}
			intent.Raw = raw
			intent.ModTime = info.ModTime()
			intent.Fingerprint = vault.Fingerprint(raw, info.ModTime())

			if d.writes.Consume(path, intent.Fingerprint) {
				// Our own write observed back on disk.
				return
			}
		}
	}

	select {
	case d.out <- intent:
	case <-d.done:
	}
}

// Flush settles every pending path immediately. Used at shutdown and in
// tests to avoid waiting out the quiet window.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, e := range d.pending {
		e.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()
	for _, path := range paths {
		d.settle(path)
	}
}

// Close stops all pending timers and releases any settler blocked on
// delivery. Intents already settled but not consumed are dropped.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, e := range d.pending {
		e.timer.Stop()
	}
	d.pending = make(map[string]*pendingEvent)
	d.mu.Unlock()
	close(d.done)
}
