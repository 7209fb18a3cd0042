// Package outline provides parsing and serialization for the outline-structured
// text files tracked in a vault. A file is parsed into a Tree of Nodes, where
// each Node is one heading (an action item or note) with a stable identifier,
// an optional state keyword, labels, scheduling timestamps, and body text.
//
// The package is a pure text <-> tree transform: it performs no disk I/O and
// holds no global state. Parsing and rendering are inverses on valid input.
package outline

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format identifies the on-disk syntax of a document.
type Format int

const (
	// FormatOrg is org-style syntax: "*" headings, #+title: attributes,
	// :PROPERTIES: drawers.
	FormatOrg Format = iota
	// FormatMarkdown is markdown syntax: "#" headings, YAML front matter,
	// HTML comment identifiers.
	FormatMarkdown
)

// String returns a human-readable representation of the format.
func (f Format) String() string {
	switch f {
	case FormatOrg:
		return "org"
	case FormatMarkdown:
		return "markdown"
	default:
		return "unknown"
	}
}

// FormatForPath returns the format for a file path based on its extension,
// and whether the extension is one the vault tracks at all.
func FormatForPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".org":
		return FormatOrg, true
	case ".md", ".markdown":
		return FormatMarkdown, true
	default:
		return 0, false
	}
}

// Options configures parsing for a vault. The zero value accepts the default
// state keywords and any label.
type Options struct {
	// StateKeywords are the recognized action keywords on headings, e.g.
	// TODO, DONE, CANCELLED. A heading whose first word is not in this set
	// keeps that word as part of its title.
	StateKeywords []string

	// Labels restricts the labels nodes may carry. Empty means any label is
	// allowed. An unknown label is a parse failure for the whole document,
	// which keeps typos from silently fragmenting queries.
	Labels []string
}

// DefaultStateKeywords are used when Options.StateKeywords is empty.
var DefaultStateKeywords = []string{"TODO", "DONE", "CANCELLED"}

func (o Options) stateKeywords() []string {
	if len(o.StateKeywords) == 0 {
		return DefaultStateKeywords
	}
	return o.StateKeywords
}

// LabelAllowed reports whether the configured label set permits the given
// label. An empty configured set permits everything.
func (o Options) LabelAllowed(label string) bool {
	if len(o.Labels) == 0 {
		return true
	}
	for _, l := range o.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Node is one outline entry inside a document. A Node is exclusively owned by
// its document's Tree; ParentID is a lookup-only back-reference, never an
// ownership edge.
type Node struct {
	// ID is globally unique and stable across edits. It is generated once,
	// on first creation, and never regenerated.
	ID uuid.UUID

	Title  string
	State  string // empty when the heading carries no state keyword
	Labels []string

	Scheduled *time.Time
	Deadline  *time.Time

	// Body is the free-form text between this heading and the next one.
	Body string

	Children []*Node

	// ParentID is uuid.Nil for top-level nodes.
	ParentID uuid.UUID
}

// Clone returns a deep copy of the node and its subtree.
func (n *Node) Clone() *Node {
	c := *n
	c.Labels = append([]string(nil), n.Labels...)
	if n.Scheduled != nil {
		t := *n.Scheduled
		c.Scheduled = &t
	}
	if n.Deadline != nil {
		t := *n.Deadline
		c.Deadline = &t
	}
	c.Children = make([]*Node, len(n.Children))
	for i, child := range n.Children {
		c.Children[i] = child.Clone()
	}
	return &c
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Tree is the parsed form of one document: file-level attributes plus the
// ordered top-level nodes.
type Tree struct {
	// Title is the document title from #+title: or front matter. May be
	// empty for markdown files without front matter.
	Title string

	// Labels are document-level labels (#+filetags: / front matter labels).
	Labels []string

	Children []*Node
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		Title:    t.Title,
		Labels:   append([]string(nil), t.Labels...),
		Children: make([]*Node, len(t.Children)),
	}
	for i, n := range t.Children {
		c.Children[i] = n.Clone()
	}
	return c
}

// Walk visits every node in document order. The visitor receives the node,
// its parent (nil for top-level nodes), and its position: the index path from
// the root of the tree. Returning false stops the walk.
func (t *Tree) Walk(visit func(n *Node, parent *Node, pos []int) bool) {
	var rec func(nodes []*Node, parent *Node, prefix []int) bool
	rec = func(nodes []*Node, parent *Node, prefix []int) bool {
		for i, n := range nodes {
			pos := append(append([]int(nil), prefix...), i)
			if !visit(n, parent, pos) {
				return false
			}
			if !rec(n.Children, n, pos) {
				return false
			}
		}
		return true
	}
	rec(t.Children, nil, nil)
}

// Find locates the node with the given id, returning the node and its
// position. The position indexes Children slices from the tree root.
func (t *Tree) Find(id uuid.UUID) (*Node, []int, bool) {
	var found *Node
	var foundPos []int
	t.Walk(func(n *Node, _ *Node, pos []int) bool {
		if n.ID == id {
			found = n
			foundPos = pos
			return false
		}
		return true
	})
	return found, foundPos, found != nil
}

// At returns the node at the given position, or nil if the position does not
// resolve in the current tree.
func (t *Tree) At(pos []int) *Node {
	nodes := t.Children
	var n *Node
	for _, idx := range pos {
		if idx < 0 || idx >= len(nodes) {
			return nil
		}
		n = nodes[idx]
		nodes = n.Children
	}
	return n
}

// IDs returns the ids of all nodes in document order.
func (t *Tree) IDs() []uuid.UUID {
	var ids []uuid.UUID
	t.Walk(func(n *Node, _ *Node, _ []int) bool {
		ids = append(ids, n.ID)
		return true
	})
	return ids
}

// AssignIDs generates identifiers for any node that lacks one and returns the
// ids that were forced. Content created by an external editor arrives without
// ids; the caller is responsible for writing the document back so forced ids
// become durable.
func (t *Tree) AssignIDs() []uuid.UUID {
	var forced []uuid.UUID
	t.Walk(func(n *Node, _ *Node, _ []int) bool {
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
			forced = append(forced, n.ID)
		}
		return true
	})
	t.linkParents()
	return forced
}

// linkParents refreshes the ParentID back-references after structural edits.
func (t *Tree) linkParents() {
	t.Walk(func(n *Node, parent *Node, _ []int) bool {
		if parent == nil {
			n.ParentID = uuid.Nil
		} else {
			n.ParentID = parent.ID
		}
		return true
	})
}

// Relink recomputes parent back-references. Exposed for callers that splice
// subtrees directly (the write coordinator's move operation).
func (t *Tree) Relink() {
	t.linkParents()
}

// ParseError describes a failure to parse a document. The document it refers
// to stays visible in the vault as an invalid entry; a ParseError never
// aborts a vault load.
type ParseError struct {
	Line   int // 1-based, 0 when not line-specific
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}

func parseErrorf(line int, format string, args ...any) error {
	return &ParseError{Line: line, Reason: fmt.Sprintf(format, args...)}
}
