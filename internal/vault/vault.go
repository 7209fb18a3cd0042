// Package vault owns the mapping from file path to parsed content for one
// vault directory. The Store is pure data manipulation: it never touches
// disk itself. Reading files belongs to the ingestion pipeline and writing
// them to the write coordinator, which keeps this package synchronous and
// trivially testable.
package vault

import (
	"encoding/binary"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/perchfs/perch/internal/outline"
)

// Document is one tracked file and its parsed representation. A Document
// whose parse failed retains its raw text and error: it is excluded from the
// index but stays visible as an invalid entry, so one broken file never
// aborts a vault load.
type Document struct {
	// Path is the vault-relative path, always slash-separated.
	Path string

	Raw         string
	Fingerprint uint64
	ModTime     time.Time

	// Tree is nil when the last ingestion failed to parse the file.
	Tree *outline.Tree

	// Err records the last parse failure, nil for healthy documents.
	Err error
}

// Valid reports whether the document has a parsed tree.
func (d *Document) Valid() bool {
	return d.Err == nil && d.Tree != nil
}

// Format returns the document's on-disk syntax.
func (d *Document) Format() outline.Format {
	f, _ := outline.FormatForPath(d.Path)
	return f
}

// Fingerprint hashes file content together with its modification time. Two
// files with equal fingerprints are treated as the same observed state; the
// mtime component catches tools that rewrite identical bytes.
func Fingerprint(data []byte, mtime time.Time) uint64 {
	h := xxhash.New()
	_, _ = h.Write(data)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(mtime.UnixNano()))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Store holds the documents of one vault. The root path is immutable for the
// lifetime of the Store.
type Store struct {
	root string

	mu   sync.RWMutex
	docs map[string]*Document
}

// NewStore creates an empty store rooted at the given directory.
func NewStore(root string) *Store {
	return &Store{
		root: root,
		docs: make(map[string]*Document),
	}
}

// Root returns the vault root directory.
func (s *Store) Root() string {
	return s.root
}

// Get returns the document at the given relative path.
func (s *Store) Get(path string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	return doc, ok
}

// Upsert inserts or replaces the document at its path.
func (s *Store) Upsert(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.Path] = doc
}

// Remove drops the document at the given path, if present.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
}

// Len returns the number of tracked documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Paths returns all tracked paths in sorted order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.docs))
	for p := range s.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Documents returns a snapshot slice of all documents in path order.
func (s *Store) Documents() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs
}

// VaultFingerprint combines every document fingerprint into one value that
// identifies the observed state of the whole vault. Used as the snapshot
// cache key.
func (s *Store) VaultFingerprint() uint64 {
	docs := s.Documents()
	pairs := make([]PathFingerprint, len(docs))
	for i, doc := range docs {
		pairs[i] = PathFingerprint{Path: doc.Path, Fingerprint: doc.Fingerprint}
	}
	return CombineFingerprints(pairs)
}

// PathFingerprint pairs a document path with its content fingerprint.
type PathFingerprint struct {
	Path        string
	Fingerprint uint64
}

// CombineFingerprints folds per-document fingerprints into the vault-wide
// fingerprint. Pairs must be in path order.
func CombineFingerprints(pairs []PathFingerprint) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, p := range pairs {
		_, _ = h.WriteString(p.Path)
		binary.LittleEndian.PutUint64(buf[:], p.Fingerprint)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Matcher classifies paths as tracked or ignored using include and exclude
// glob patterns. Patterns match against slash-separated vault-relative
// paths.
type Matcher struct {
	include []string
	exclude []string
}

// NewMatcher builds a matcher. Empty include means "every path with a
// tracked extension".
func NewMatcher(include, exclude []string) *Matcher {
	return &Matcher{include: include, exclude: exclude}
}

// Match reports whether the given vault-relative path is tracked.
func (m *Matcher) Match(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if _, ok := outline.FormatForPath(relPath); !ok {
		return false
	}
	for _, pattern := range m.exclude {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return false
		}
	}
	if len(m.include) == 0 {
		return true
	}
	for _, pattern := range m.include {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// Discover walks the vault root recursively and returns the relative paths
// of all tracked files, sorted. Unreadable subtrees are skipped rather than
// failing the walk.
func Discover(root string, m *Matcher, vfs fs.FS) ([]string, error) {
	var paths []string
	err := fs.WalkDir(vfs, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if m.Match(path) {
			paths = append(paths, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
