// Package engine wires the vault pipeline together: watcher, debouncer,
// ingestion, index, write coordinator, and snapshot cache. It owns the
// event loop that keeps the in-memory model synchronized with the files on
// disk, and exposes the operations the API surfaces call.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perchfs/perch/internal/config"
	"github.com/perchfs/perch/internal/debounce"
	"github.com/perchfs/perch/internal/index"
	"github.com/perchfs/perch/internal/ingest"
	"github.com/perchfs/perch/internal/logging"
	"github.com/perchfs/perch/internal/mutate"
	"github.com/perchfs/perch/internal/outline"
	"github.com/perchfs/perch/internal/snapshot"
	"github.com/perchfs/perch/internal/vault"
	"github.com/perchfs/perch/internal/watch"
)

// Change notifies subscribers that a document's indexed state changed.
type Change struct {
	// Path is vault-relative.
	Path    string
	Removed bool
}

// Engine is the running vault synchronizer.
type Engine struct {
	cfg    *config.Config
	logger *log.Logger

	store    *vault.Store
	matcher  *vault.Matcher
	index    *index.Index
	writes   *debounce.PendingWrites
	locks    *mutate.Locks
	debounce *debounce.Debouncer
	watcher  *watch.Watcher
	pipeline *ingest.Pipeline
	coord    *mutate.Coordinator
	cache    *snapshot.Cache

	mu      sync.Mutex
	subs    map[int]chan Change
	nextSub int
	started bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an engine from configuration. Nothing runs until Start.
func New(cfg *config.Config, sink *logging.Sink) (*Engine, error) {
	opts := outline.Options{
		StateKeywords: cfg.StateKeywords,
		Labels:        cfg.Labels,
	}
	store := vault.NewStore(cfg.VaultDir)
	matcher := vault.NewMatcher(cfg.Include, cfg.Exclude)
	ix := index.New(sink.Component("index"))
	writes := debounce.NewPendingWrites(cfg.WriteTTL, sink.Component("pending"))
	locks := mutate.NewLocks()

	deb := debounce.New(cfg.VaultDir, cfg.DebounceWindow, writes, sink.Component("debounce"))
	watcher, err := watch.New(cfg.VaultDir, matcher, sink.Component("watch"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   sink.Component("engine"),
		store:    store,
		matcher:  matcher,
		index:    ix,
		writes:   writes,
		locks:    locks,
		debounce: deb,
		watcher:  watcher,
		pipeline: ingest.New(store, opts, sink.Component("ingest")),
		coord:    mutate.New(store, ix, writes, locks, opts, sink.Component("mutate")),
		subs:     make(map[int]chan Change),
		stop:     make(chan struct{}),
	}

	cache, err := snapshot.Open(cfg.CachePath, sink.Component("snapshot"))
	if err != nil {
		// The cache is an optimization; a broken one degrades to cold
		// starts.
		e.logger.Printf("snapshot cache unavailable: %v", err)
	} else {
		e.cache = cache
	}
	return e, nil
}

// Start loads the vault and begins watching it. The context bounds the
// initial scan only; the engine runs until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return err
	}
	if err := e.watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	e.wg.Add(2)
	go e.watchLoop()
	go e.intentLoop()
	e.logger.Printf("vault %s loaded, %d documents, %d nodes",
		e.cfg.VaultDir, e.store.Len(), e.index.Len())
	return nil
}

// load performs the startup scan: discover paths, rehydrate what the
// snapshot cache can prove unchanged, parse the rest, build the index, and
// persist any identifiers that had to be assigned.
func (e *Engine) load(ctx context.Context) error {
	paths, err := vault.Discover(e.cfg.VaultDir, e.matcher, os.DirFS(e.cfg.VaultDir))
	if err != nil {
		return fmt.Errorf("discover vault files: %w", err)
	}

	cold := e.rehydrate(paths)
	forced, err := e.pipeline.ScanAll(ctx, cold)
	if err != nil {
		return fmt.Errorf("scan vault: %w", err)
	}

	// Path order makes collision renumbering deterministic: the earlier
	// document keeps the id.
	needsRewrite := make(map[string]bool, len(forced))
	for path := range forced {
		needsRewrite[path] = true
	}
	for _, path := range e.store.Paths() {
		doc, _ := e.store.Get(path)
		if !doc.Valid() {
			continue
		}
		if renumbered := e.index.Apply(path, doc.Tree); len(renumbered) > 0 {
			needsRewrite[path] = true
		}
	}

	for _, path := range e.store.Paths() {
		if !needsRewrite[path] {
			continue
		}
		if err := e.coord.RewriteLocked(ctx, path); err != nil {
			e.logger.Printf("corrective write for %s failed: %v", path, err)
		}
	}
	return nil
}

// rehydrate installs cached documents whose files are provably unchanged
// and returns the paths that still need a cold parse.
func (e *Engine) rehydrate(paths []string) []string {
	if e.cache == nil {
		return paths
	}
	entries, err := e.cache.Load()
	if err != nil {
		e.logger.Printf("snapshot load failed, cold start: %v", err)
		return paths
	}
	cached := make(map[string]snapshot.Entry, len(entries))
	for _, entry := range entries {
		cached[entry.Path] = entry
	}

	var cold []string
	hits := 0
	for _, path := range paths {
		entry, ok := cached[path]
		if !ok {
			cold = append(cold, path)
			continue
		}
		doc, ok := e.revalidate(path, entry)
		if !ok {
			cold = append(cold, path)
			continue
		}
		e.store.Upsert(doc)
		hits++
	}
	if hits > 0 {
		e.logger.Printf("snapshot warmed %d of %d documents", hits, len(paths))
	}
	return cold
}

// revalidate checks a cached entry against the live file. The tree is only
// reused when the current content fingerprint matches the cached one.
func (e *Engine) revalidate(path string, entry snapshot.Entry) (*vault.Document, bool) {
	full := filepath.Join(e.cfg.VaultDir, filepath.FromSlash(path))
	info, err := os.Stat(full)
	if err != nil {
		return nil, false
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, false
	}
	fp := vault.Fingerprint(raw, info.ModTime())
	if fp != entry.Fingerprint {
		return nil, false
	}
	return &vault.Document{
		Path:        path,
		Raw:         string(raw),
		Fingerprint: fp,
		ModTime:     info.ModTime(),
		Tree:        entry.Tree,
	}, true
}

// watchLoop forwards raw watcher events into the debouncer.
func (e *Engine) watchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case ev, ok := <-e.watcher.Events():
			if !ok {
				return
			}
			e.debounce.Observe(ev.Path, ev.Kind)
		case err, ok := <-e.watcher.Errors():
			if !ok {
				return
			}
			e.logger.Printf("watcher error: %v", err)
		}
	}
}

// intentLoop applies settled intents to the store and index. It also runs
// the pending-write janitor, so a self-write whose filesystem event never
// arrives is warned about within a TTL rather than whenever the path next
// sees traffic.
func (e *Engine) intentLoop() {
	defer e.wg.Done()
	janitor := time.NewTicker(e.cfg.WriteTTL)
	defer janitor.Stop()
	for {
		select {
		case <-e.stop:
			return
		case intent := <-e.debounce.Intents():
			e.handleIntent(intent)
		case <-janitor.C:
			e.writes.Sweep()
		}
	}
}

// handleIntent runs one settled external change through ingestion under the
// document lock, so it serializes with API mutations on the same path.
func (e *Engine) handleIntent(intent debounce.Intent) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	release, err := e.locks.Acquire(ctx, intent.Path)
	if err != nil {
		return
	}
	locked := true
	defer func() {
		if locked {
			release()
		}
	}()

	// A mutation may have committed between settle and now; applying the
	// stale bytes would revert it while its own watcher event is consumed
	// as a self-write. Whatever superseded the intent produces (or already
	// produced) its own event, so dropping is safe.
	if !e.intentCurrent(intent) {
		e.logger.Printf("settled change for %s superseded before apply, dropping", intent.Path)
		return
	}

	res := e.pipeline.Ingest(intent)
	switch {
	case res.Tombstone:
		e.index.Remove(intent.Path)
		e.notify(Change{Path: intent.Path, Removed: true})
	case res.Unchanged:
	case !res.Doc.Valid():
		// Keep the last good tree indexed until the file parses again.
		e.logger.Printf("document %s invalid, keeping previous indexed state", intent.Path)
	default:
		renumbered := e.index.Apply(intent.Path, res.Doc.Tree)
		if len(res.ForcedIDs) > 0 || len(renumbered) > 0 {
			if err := e.coord.Rewrite(intent.Path); err != nil {
				e.logger.Printf("corrective write for %s failed: %v", intent.Path, err)
			}
		}
		e.notify(Change{Path: intent.Path})
	}
	release()
	locked = false
}

// intentCurrent reports whether the intent still describes what is on disk.
// Must be called with the document lock held.
func (e *Engine) intentCurrent(intent debounce.Intent) bool {
	full := filepath.Join(e.cfg.VaultDir, filepath.FromSlash(intent.Path))
	info, err := os.Stat(full)
	if intent.Removed {
		return err != nil
	}
	if err != nil {
		return false
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return false
	}
	return vault.Fingerprint(raw, info.ModTime()) == intent.Fingerprint
}

// Stop shuts the engine down: the watcher first so no new events arrive,
// then the loops, then a final snapshot save.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	if err := e.watcher.Stop(); err != nil {
		e.logger.Printf("watcher stop: %v", err)
	}
	e.debounce.Close()
	close(e.stop)
	e.wg.Wait()

	e.mu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if e.cache != nil {
		if err := e.cache.Save(e.store); err != nil {
			e.logger.Printf("snapshot save failed: %v", err)
		}
		e.cache.Close()
	}
}

// Subscribe registers a change listener. The returned cancel function must
// be called to release it. Slow subscribers lose events rather than
// stalling the pipeline.
func (e *Engine) Subscribe() (<-chan Change, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Change, 16)
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if ch, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

func (e *Engine) notify(change Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- change:
		default:
			e.logger.Printf("subscriber lagging, dropped change for %s", change.Path)
		}
	}
}

// Node returns the node with the given id.
func (e *Engine) Node(id uuid.UUID) (index.Ref, bool) {
	return e.index.ByID(id)
}

// Document returns the indexed tree for a path.
func (e *Engine) Document(path string) (*outline.Tree, bool) {
	return e.index.ByPath(path)
}

// Documents returns all indexed paths.
func (e *Engine) Documents() []string {
	return e.index.Paths()
}

// Store exposes the document store for read-only inspection.
func (e *Engine) Store() *vault.Store {
	return e.store
}

// Query returns every node matching the predicate.
func (e *Engine) Query(pred func(*outline.Node) bool) []index.Ref {
	return e.index.Query(pred)
}

// Create adds a node through the write coordinator and notifies
// subscribers.
func (e *Engine) Create(ctx context.Context, path string, parentID uuid.UUID, fields mutate.NewNode) (index.Ref, error) {
	ref, err := e.coord.Create(ctx, path, parentID, fields)
	if err != nil {
		return index.Ref{}, err
	}
	e.notify(Change{Path: ref.Path})
	return ref, nil
}

// Update applies a partial modification to a node.
func (e *Engine) Update(ctx context.Context, id uuid.UUID, upd mutate.Update) (index.Ref, error) {
	ref, err := e.coord.Update(ctx, id, upd)
	if err != nil {
		return index.Ref{}, err
	}
	e.notify(Change{Path: ref.Path})
	return ref, nil
}

// Delete removes a node and its subtree.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	path, _ := e.index.Owner(id)
	if err := e.coord.Delete(ctx, id); err != nil {
		return err
	}
	e.notify(Change{Path: path})
	return nil
}

// Move reparents a node, possibly across documents. A negative pos appends
// to the new siblings.
func (e *Engine) Move(ctx context.Context, id uuid.UUID, destPath string, parentID uuid.UUID, pos int) error {
	srcPath, _ := e.index.Owner(id)
	if err := e.coord.Move(ctx, id, destPath, parentID, pos); err != nil {
		return err
	}
	e.notify(Change{Path: srcPath})
	if destPath != "" && destPath != srcPath {
		e.notify(Change{Path: destPath})
	}
	return nil
}
