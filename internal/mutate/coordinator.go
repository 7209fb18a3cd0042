// Package mutate implements the write path: API-originated changes that
// must land on disk before they become visible in the index.
//
// Every mutation follows the same sequence. Take the per-document lock,
// clone the current tree, apply the change to the clone, render it, persist
// the rendered bytes atomically, and only then swap the new state into the
// store and index. A mutation that fails to persist leaves no trace in
// memory, so the index never claims content the disk does not have.
package mutate

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/perchfs/perch/internal/debounce"
	"github.com/perchfs/perch/internal/index"
	"github.com/perchfs/perch/internal/outline"
	"github.com/perchfs/perch/internal/vault"
)

// Coordinator serializes writes per document and keeps disk, store, and
// index consistent.
type Coordinator struct {
	store  *vault.Store
	index  *index.Index
	writes *debounce.PendingWrites
	locks  *Locks
	opts   outline.Options
	logger *log.Logger
}

// New creates a coordinator. The locks table is shared with the ingestion
// side so settled external changes and API writes to the same document
// serialize against each other.
func New(store *vault.Store, ix *index.Index, writes *debounce.PendingWrites, locks *Locks, opts outline.Options, logger *log.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		index:  ix,
		writes: writes,
		locks:  locks,
		opts:   opts,
		logger: logger,
	}
}

// Locks exposes the shared lock table.
func (c *Coordinator) Locks() *Locks {
	return c.locks
}

// NewNode carries the fields for a node created through the API.
type NewNode struct {
	Title     string
	State     string
	Labels    []string
	Scheduled *time.Time
	Deadline  *time.Time
	Body      string
}

// Update carries a partial modification. Nil pointer fields are left
// untouched; the Set flags distinguish "clear this field" from "leave it
// alone" for the slice and timestamp fields.
type Update struct {
	Title *string
	State *string
	Body  *string

	Labels    []string
	SetLabels bool

	Scheduled    *time.Time
	SetScheduled bool

	Deadline    *time.Time
	SetDeadline bool
}

// Create adds a node to the given document, under parentID or at top level
// when parentID is nil. The document is created on first write to a new
// path.
func (c *Coordinator) Create(ctx context.Context, path string, parentID uuid.UUID, fields NewNode) (index.Ref, error) {
	if _, ok := outline.FormatForPath(path); !ok {
		return index.Ref{}, fmt.Errorf("%w: %s is not a tracked document path", ErrInvalidOperation, path)
	}
	if err := c.checkLabels(fields.Labels); err != nil {
		return index.Ref{}, err
	}

	release, err := c.locks.Acquire(ctx, path)
	if err != nil {
		return index.Ref{}, err
	}
	defer release()

	tree, err := c.treeForWrite(path)
	if err != nil {
		return index.Ref{}, err
	}

	node := &outline.Node{
		ID:        uuid.New(),
		Title:     fields.Title,
		State:     fields.State,
		Labels:    append([]string(nil), fields.Labels...),
		Scheduled: fields.Scheduled,
		Deadline:  fields.Deadline,
		Body:      fields.Body,
	}
	if parentID == uuid.Nil {
		tree.Children = append(tree.Children, node)
	} else {
		parent, _, ok := tree.Find(parentID)
		if !ok {
			return index.Ref{}, fmt.Errorf("%w: parent %s not in %s", ErrNotFound, parentID, path)
		}
		parent.Children = append(parent.Children, node)
	}
	tree.Relink()

	if err := c.commit(path, tree); err != nil {
		return index.Ref{}, err
	}
	return index.Ref{Path: path, Node: node.Clone()}, nil
}

// Update applies a partial modification to the node with the given id.
func (c *Coordinator) Update(ctx context.Context, id uuid.UUID, upd Update) (index.Ref, error) {
	if upd.SetLabels {
		if err := c.checkLabels(upd.Labels); err != nil {
			return index.Ref{}, err
		}
	}

	path, ok := c.index.Owner(id)
	if !ok {
		return index.Ref{}, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	release, err := c.locks.Acquire(ctx, path)
	if err != nil {
		return index.Ref{}, err
	}
	defer release()

	tree, err := c.treeForWrite(path)
	if err != nil {
		return index.Ref{}, err
	}
	node, _, ok := tree.Find(id)
	if !ok {
		// Moved or deleted between the index lookup and lock acquisition.
		return index.Ref{}, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}

	if upd.Title != nil {
		node.Title = *upd.Title
	}
	if upd.State != nil {
		node.State = *upd.State
	}
	if upd.Body != nil {
		node.Body = *upd.Body
	}
	if upd.SetLabels {
		node.Labels = append([]string(nil), upd.Labels...)
	}
	if upd.SetScheduled {
		node.Scheduled = upd.Scheduled
	}
	if upd.SetDeadline {
		node.Deadline = upd.Deadline
	}

	if err := c.commit(path, tree); err != nil {
		return index.Ref{}, err
	}
	return index.Ref{Path: path, Node: node.Clone()}, nil
}

// Delete removes the node and its entire subtree from its document.
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID) error {
	path, ok := c.index.Owner(id)
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	release, err := c.locks.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	tree, err := c.treeForWrite(path)
	if err != nil {
		return err
	}
	if !detach(tree, id) {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	tree.Relink()
	return c.commit(path, tree)
}

// Move reparents a node, within its document or into another one. A nil
// parent places the node at top level of the destination document. pos is
// the index among the new siblings; a negative or out-of-range pos appends.
func (c *Coordinator) Move(ctx context.Context, id uuid.UUID, destPath string, parentID uuid.UUID, pos int) error {
	srcPath, ok := c.index.Owner(id)
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	if destPath == "" {
		destPath = srcPath
	}
	if _, ok := outline.FormatForPath(destPath); !ok {
		return fmt.Errorf("%w: %s is not a tracked document path", ErrInvalidOperation, destPath)
	}
	if parentID == id {
		return fmt.Errorf("%w: cannot move %s under itself", ErrInvalidOperation, id)
	}

	release, err := c.locks.AcquireAll(ctx, srcPath, destPath)
	if err != nil {
		return err
	}
	defer release()

	srcTree, err := c.treeForWrite(srcPath)
	if err != nil {
		return err
	}
	node, _, ok := srcTree.Find(id)
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}

	// Reject a destination parent inside the moved subtree.
	if parentID != uuid.Nil {
		if _, _, inSubtree := (&outline.Tree{Children: []*outline.Node{node}}).Find(parentID); inSubtree {
			return fmt.Errorf("%w: %s is inside the subtree being moved", ErrInvalidOperation, parentID)
		}
	}

	destTree := srcTree
	if destPath != srcPath {
		destTree, err = c.treeForWrite(destPath)
		if err != nil {
			return err
		}
	}

	var parent *outline.Node
	if parentID != uuid.Nil {
		parent, _, ok = destTree.Find(parentID)
		if !ok {
			return fmt.Errorf("%w: parent %s not in %s", ErrNotFound, parentID, destPath)
		}
	}

	if !detach(srcTree, id) {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	if parent != nil {
		parent.Children = insertAt(parent.Children, node, pos)
	} else {
		destTree.Children = insertAt(destTree.Children, node, pos)
	}
	srcTree.Relink()
	destTree.Relink()

	if destPath == srcPath {
		return c.commit(srcPath, srcTree)
	}
	// Cross-document: persist the destination first so the node is never
	// absent from both files, then swap both documents into the index as
	// one step so the id migrates instead of colliding with its old owner.
	destDoc, err := c.prepare(destPath, destTree)
	if err != nil {
		return err
	}
	srcDoc, err := c.prepare(srcPath, srcTree)
	if err != nil {
		// The destination file now holds a copy the index must not see.
		// Roll it back so disk and memory agree the move did not happen.
		detach(destTree, id)
		destTree.Relink()
		if undoErr := c.commit(destPath, destTree); undoErr != nil {
			c.logger.Printf("move of %s: source %s failed (%v) and destination %s rollback failed too: %v",
				id, srcPath, err, destPath, undoErr)
		} else {
			c.logger.Printf("move of %s rolled back, source %s failed: %v", id, srcPath, err)
		}
		return err
	}
	c.install(destDoc, srcDoc)
	return nil
}

// Rewrite re-renders the stored tree for a path and persists it. Used for
// corrective writes: making forced or renumbered identifiers durable. The
// caller must already hold the document lock.
func (c *Coordinator) Rewrite(path string) error {
	tree, err := c.treeForWrite(path)
	if err != nil {
		return err
	}
	return c.commit(path, tree)
}

// RewriteLocked acquires the document lock and rewrites the document.
func (c *Coordinator) RewriteLocked(ctx context.Context, path string) error {
	release, err := c.locks.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()
	return c.Rewrite(path)
}

// treeForWrite returns a mutable clone of the current tree for a path. A
// path with no document yields a fresh empty tree; a document in parse-error
// state refuses mutation.
func (c *Coordinator) treeForWrite(path string) (*outline.Tree, error) {
	doc, ok := c.store.Get(path)
	if !ok {
		return &outline.Tree{}, nil
	}
	if !doc.Valid() {
		return nil, fmt.Errorf("%w: %s: %v", ErrDocumentInvalid, path, doc.Err)
	}
	return doc.Tree.Clone(), nil
}

// commit renders the tree, persists it atomically, and swaps the new state
// into the store and index. The document lock must be held.
func (c *Coordinator) commit(path string, tree *outline.Tree) error {
	doc, err := c.prepare(path, tree)
	if err != nil {
		return err
	}
	c.install(doc)
	return nil
}

// prepare renders the tree and persists it, returning the document that
// describes what is now on disk. Nothing is swapped into memory yet.
func (c *Coordinator) prepare(path string, tree *outline.Tree) (*vault.Document, error) {
	format, _ := outline.FormatForPath(path)
	rendered := tree.Render(format)

	fp, modTime, err := c.persist(path, rendered)
	if err != nil {
		return nil, err
	}
	return &vault.Document{
		Path:        path,
		Raw:         rendered,
		Fingerprint: fp,
		ModTime:     modTime,
		Tree:        tree,
	}, nil
}

// install swaps persisted documents into the store and index as one atomic
// index operation, so an id moving between two documents of the same batch
// keeps its identity.
func (c *Coordinator) install(docs ...*vault.Document) {
	batch := make(map[string]*outline.Tree, len(docs))
	for _, doc := range docs {
		c.store.Upsert(doc)
		batch[doc.Path] = doc.Tree
	}
	if renumbered := c.index.ApplyAll(batch); len(renumbered) > 0 {
		// Should not happen on the write path: commits only write ids the
		// index already attributes to these documents or fresh ones.
		c.logger.Printf("unexpected renumbering while committing: %v", renumbered)
	}
}

// persist writes content to the vault atomically: temp file in the same
// directory, fsync, then rename over the target. The expected fingerprint is
// registered as a pending self-write before the rename, so the watcher
// callback cannot observe the file before the registration exists.
func (c *Coordinator) persist(path, content string) (uint64, time.Time, error) {
	full := filepath.Join(c.store.Root(), filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, time.Time{}, fmt.Errorf("create parent directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".perch-*.tmp")
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(content); err != nil {
		cleanup()
		return 0, time.Time{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, time.Time{}, fmt.Errorf("sync %s: %w", path, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return 0, time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, time.Time{}, fmt.Errorf("close %s: %w", path, err)
	}

	// Rename preserves the temp file's mtime, so the fingerprint computed
	// here matches what the debouncer will observe.
	fp := vault.Fingerprint([]byte(content), info.ModTime())
	c.writes.Register(path, fp)
	if err := os.Rename(tmpName, full); err != nil {
		c.writes.Consume(path, fp)
		os.Remove(tmpName)
		return 0, time.Time{}, fmt.Errorf("rename into %s: %w", path, err)
	}
	return fp, info.ModTime(), nil
}

// insertAt places node at index pos among siblings, appending when pos is
// negative or past the end.
func insertAt(siblings []*outline.Node, node *outline.Node, pos int) []*outline.Node {
	if pos < 0 || pos >= len(siblings) {
		return append(siblings, node)
	}
	siblings = append(siblings, nil)
	copy(siblings[pos+1:], siblings[pos:])
	siblings[pos] = node
	return siblings
}

// detach removes the node with the given id from the tree, returning whether
// it was found.
func detach(tree *outline.Tree, id uuid.UUID) bool {
	var remove func(nodes *[]*outline.Node) bool
	remove = func(nodes *[]*outline.Node) bool {
		for i, n := range *nodes {
			if n.ID == id {
				*nodes = append((*nodes)[:i], (*nodes)[i+1:]...)
				return true
			}
			if remove(&n.Children) {
				return true
			}
		}
		return false
	}
	return remove(&tree.Children)
}

func (c *Coordinator) checkLabels(labels []string) error {
	for _, label := range labels {
		if !c.opts.LabelAllowed(label) {
			return fmt.Errorf("%w: unknown label %q", ErrInvalidOperation, label)
		}
	}
	return nil
}
