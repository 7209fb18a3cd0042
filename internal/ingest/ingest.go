// Package ingest converts settled change intents into document updates. It
// is the only component that parses file content on the read path: the
// watcher and debouncer deal in bytes, the index deals in trees, and this
// package bridges the two.
package ingest

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/perchfs/perch/internal/debounce"
	"github.com/perchfs/perch/internal/outline"
	"github.com/perchfs/perch/internal/vault"
)

// Result describes the outcome of ingesting one intent.
type Result struct {
	// Doc is the new document state. Nil for tombstones.
	Doc *vault.Document

	// Tombstone reports that the path was removed and should leave the
	// store and index.
	Tombstone bool

	// Unchanged reports that the observed fingerprint matches the stored
	// one, so nothing downstream needs to run.
	Unchanged bool

	// ForcedIDs are identifiers generated for headings that arrived
	// without one. The caller owes the document a corrective write to make
	// them durable.
	ForcedIDs []uuid.UUID
}

// Pipeline ingests intents against a document store.
type Pipeline struct {
	store  *vault.Store
	opts   outline.Options
	logger *log.Logger
}

// New creates a pipeline over the given store.
func New(store *vault.Store, opts outline.Options, logger *log.Logger) *Pipeline {
	return &Pipeline{store: store, opts: opts, logger: logger}
}

// Ingest processes one settled intent and returns the resulting document
// state. Parse failures are not errors at this level: the document enters
// the store in an invalid state and the failure is logged, so one broken
// file never stalls the stream.
func (p *Pipeline) Ingest(intent debounce.Intent) Result {
	if intent.Removed {
		p.store.Remove(intent.Path)
		return Result{Tombstone: true}
	}

	if prev, ok := p.store.Get(intent.Path); ok && prev.Fingerprint == intent.Fingerprint {
		return Result{Doc: prev, Unchanged: true}
	}

	doc := p.parse(intent.Path, intent.Raw, intent.Fingerprint, intent.ModTime)
	var forced []uuid.UUID
	if doc.Valid() {
		forced = doc.Tree.AssignIDs()
	}
	p.store.Upsert(doc)
	return Result{Doc: doc, ForcedIDs: forced}
}

func (p *Pipeline) parse(path string, raw []byte, fp uint64, modTime time.Time) *vault.Document {
	doc := &vault.Document{
		Path:        path,
		Raw:         string(raw),
		Fingerprint: fp,
		ModTime:     modTime,
	}
	format, ok := outline.FormatForPath(path)
	if !ok {
		p.logger.Printf("untracked extension reached ingestion: %s", path)
		return doc
	}
	tree, err := outline.Parse(doc.Raw, format, p.opts)
	if err != nil {
		p.logger.Printf("parse failed for %s: %v", path, err)
		doc.Err = err
		return doc
	}
	doc.Tree = tree
	return doc
}

// scanParallelism bounds concurrent file reads during a full scan.
var scanParallelism = runtime.GOMAXPROCS(0)

// ScanAll reads and parses every given vault-relative path, upserting the
// results into the store. Forced identifiers are collected per path so the
// caller can issue corrective writes after the index is built. Individual
// read failures are logged and skipped; the scan only fails on
// cancellation.
func (p *Pipeline) ScanAll(ctx context.Context, paths []string) (map[string][]uuid.UUID, error) {
	type scanned struct {
		doc    *vault.Document
		forced []uuid.UUID
	}

	results := make([]scanned, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			full := filepath.Join(p.store.Root(), filepath.FromSlash(path))
			info, err := os.Stat(full)
			if err != nil {
				p.logger.Printf("scan stat failed for %s: %v", path, err)
				return nil
			}
			raw, err := os.ReadFile(full)
			if err != nil {
				p.logger.Printf("scan read failed for %s: %v", path, err)
				return nil
			}
			doc := p.parse(path, raw, vault.Fingerprint(raw, info.ModTime()), info.ModTime())
			var forced []uuid.UUID
			if doc.Valid() {
				forced = doc.Tree.AssignIDs()
			}
			results[i] = scanned{doc: doc, forced: forced}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	forcedByPath := make(map[string][]uuid.UUID)
	for _, r := range results {
		if r.doc == nil {
			continue
		}
		p.store.Upsert(r.doc)
		if len(r.forced) > 0 {
			forcedByPath[r.doc.Path] = r.forced
		}
	}
	return forcedByPath, nil
}
