// Package index maintains the queryable view over every parsed document in
// the vault. It maps node identifiers to their owning document and position,
// and answers lookups and predicate queries from memory.
//
// The index only ever reflects durably persisted content: callers apply a
// document here after its bytes are on disk, never before. Within the index
// itself a document swap is atomic, so readers see either the old tree or
// the new one, never a mix.
package index

import (
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/perchfs/perch/internal/outline"
)

// Ref locates one node: the document that owns it and a clone of the node
// itself. The clone is detached; mutating it does not touch the index.
type Ref struct {
	Path string
	Node *outline.Node
}

// Renumber records an identifier collision that was resolved by assigning
// the newer occurrence a fresh id.
type Renumber struct {
	Old uuid.UUID
	New uuid.UUID
}

type entry struct {
	path string
	pos  []int
}

// Index is the in-memory node catalog. Safe for concurrent use.
type Index struct {
	logger *log.Logger

	mu    sync.RWMutex
	byID  map[uuid.UUID]entry
	trees map[string]*outline.Tree
}

// New creates an empty index.
func New(logger *log.Logger) *Index {
	return &Index{
		logger: logger,
		byID:   make(map[uuid.UUID]entry),
		trees:  make(map[string]*outline.Tree),
	}
}

// Apply installs the tree as the current state of path, replacing whatever
// the index previously held for it. The tree is cloned on the way in.
//
// An identifier already owned by a different document is a collision, which
// happens when a user copies a heading between files. The newer occurrence
// loses: it is renumbered in place (in both the installed clone and the
// caller's tree) and the resolution is returned so the caller can persist
// the new id.
func (ix *Index) Apply(path string, tree *outline.Tree) []Renumber {
	return ix.ApplyAll(map[string]*outline.Tree{path: tree})
}

// ApplyAll installs several documents as one atomic replacement. An
// identifier may migrate between documents in the batch without being
// treated as a collision, which is what a cross-document move needs: the
// node keeps its id while its ownership changes. Collisions against
// documents outside the batch renumber exactly as in Apply.
func (ix *Index) ApplyAll(docs map[string]*outline.Tree) []Renumber {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	paths := make([]string, 0, len(docs))
	for p := range docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	// Drop the batch's previous entries first so ids moving within the
	// batch never look like collisions.
	for _, p := range paths {
		ix.dropLocked(p)
	}

	var renumbered []Renumber
	for _, path := range paths {
		tree := docs[path]
		before := len(renumbered)
		tree.Walk(func(n *outline.Node, _ *outline.Node, _ []int) bool {
			if e, ok := ix.byID[n.ID]; ok && e.path != path {
				old := n.ID
				n.ID = uuid.New()
				renumbered = append(renumbered, Renumber{Old: old, New: n.ID})
				ix.logger.Printf("id %s already owned by %s, renumbered occurrence in %s to %s",
					old, e.path, path, n.ID)
			}
			return true
		})
		if len(renumbered) > before {
			tree.Relink()
		}

		clone := tree.Clone()
		ix.trees[path] = clone
		clone.Walk(func(n *outline.Node, _ *outline.Node, pos []int) bool {
			ix.byID[n.ID] = entry{path: path, pos: append([]int(nil), pos...)}
			return true
		})
	}
	return renumbered
}

// Remove drops a document and all its nodes from the index.
func (ix *Index) Remove(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dropLocked(path)
}

func (ix *Index) dropLocked(path string) {
	old, ok := ix.trees[path]
	if !ok {
		return
	}
	old.Walk(func(n *outline.Node, _ *outline.Node, _ []int) bool {
		delete(ix.byID, n.ID)
		return true
	})
	delete(ix.trees, path)
}

// ByID returns the node with the given identifier.
func (ix *Index) ByID(id uuid.UUID) (Ref, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byID[id]
	if !ok {
		return Ref{}, false
	}
	node := ix.trees[e.path].At(e.pos)
	if node == nil {
		return Ref{}, false
	}
	return Ref{Path: e.path, Node: node.Clone()}, true
}

// Owner returns the path of the document owning the given identifier.
func (ix *Index) Owner(id uuid.UUID) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byID[id]
	return e.path, ok
}

// ByPath returns a clone of the indexed tree for a document.
func (ix *Index) ByPath(path string) (*outline.Tree, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	tree, ok := ix.trees[path]
	if !ok {
		return nil, false
	}
	return tree.Clone(), true
}

// Paths returns all indexed document paths, sorted.
func (ix *Index) Paths() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	paths := make([]string, 0, len(ix.trees))
	for p := range ix.trees {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of indexed nodes across all documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Query returns clones of every node matching the predicate, ordered by
// document path and then document order. The predicate runs under a read
// lock and must not call back into the index.
func (ix *Index) Query(pred func(*outline.Node) bool) []Ref {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	paths := make([]string, 0, len(ix.trees))
	for p := range ix.trees {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var refs []Ref
	for _, path := range paths {
		ix.trees[path].Walk(func(n *outline.Node, _ *outline.Node, _ []int) bool {
			if pred(n) {
				refs = append(refs, Ref{Path: path, Node: n.Clone()})
			}
			return true
		})
	}
	return refs
}
