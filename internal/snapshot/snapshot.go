// Package snapshot persists the parsed state of a vault between runs so
// startup can skip re-parsing files that have not changed. The cache is
// advisory: every entry is revalidated against the live file before use,
// and any corruption degrades to a cold start, never to wrong data.
package snapshot

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/s2"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/perchfs/perch/internal/outline"
	"github.com/perchfs/perch/internal/vault"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	path        TEXT PRIMARY KEY,
	fingerprint INTEGER NOT NULL,
	mtime_ns    INTEGER NOT NULL,
	tree        BLOB NOT NULL
);
`

// Entry is one cached document: its fingerprint at save time and the parsed
// tree. Raw text is not cached; a hit means the file is unchanged, so the
// bytes can be reread from disk if ever needed.
type Entry struct {
	Path        string
	Fingerprint uint64
	ModTime     time.Time
	Tree        *outline.Tree
}

// Cache is a SQLite-backed snapshot store.
type Cache struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates or opens the cache database at the given file path.
func Open(path string, logger *log.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(path))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Save replaces the cache content with the current state of the store.
// Invalid documents are skipped: caching a parse failure has no value since
// a cold parse reproduces it.
func (c *Cache) Save(store *vault.Store) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO documents (path, fingerprint, mtime_ns, tree) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	saved := 0
	for _, doc := range store.Documents() {
		if !doc.Valid() {
			continue
		}
		blob, err := encodeTree(doc.Tree)
		if err != nil {
			return fmt.Errorf("encode tree for %s: %w", doc.Path, err)
		}
		if _, err := stmt.Exec(doc.Path, int64(doc.Fingerprint), doc.ModTime.UnixNano(), blob); err != nil {
			return fmt.Errorf("insert snapshot row for %s: %w", doc.Path, err)
		}
		saved++
	}

	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('vault_fingerprint', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", store.VaultFingerprint())); err != nil {
		return fmt.Errorf("record vault fingerprint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	c.logger.Printf("snapshot saved, %d documents", saved)
	return nil
}

// Load returns every cached entry, or nothing when the cache as a whole
// cannot be trusted: the vault fingerprint recorded at save time must match
// the one recombined from the stored rows, otherwise the snapshot is torn
// and startup falls back to a cold scan. A row whose tree blob fails to
// decode is logged and skipped individually, so a partially corrupt cache
// still warms what it can.
func (c *Cache) Load() ([]Entry, error) {
	var recorded string
	switch err := c.db.QueryRow(`SELECT value FROM meta WHERE key = 'vault_fingerprint'`).Scan(&recorded); {
	case errors.Is(err, sql.ErrNoRows):
		c.logger.Printf("snapshot has no vault fingerprint, cold start")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	saved, err := strconv.ParseUint(recorded, 10, 64)
	if err != nil {
		c.logger.Printf("snapshot vault fingerprint unreadable, cold start: %v", err)
		return nil, nil
	}

	rows, err := c.db.Query(`SELECT path, fingerprint, mtime_ns, tree FROM documents ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	defer rows.Close()

	var (
		entries []Entry
		pairs   []vault.PathFingerprint
	)
	for rows.Next() {
		var (
			path    string
			fp      int64
			mtimeNS int64
			blob    []byte
		)
		if err := rows.Scan(&path, &fp, &mtimeNS, &blob); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		pairs = append(pairs, vault.PathFingerprint{Path: path, Fingerprint: uint64(fp)})
		tree, err := decodeTree(blob)
		if err != nil {
			c.logger.Printf("corrupt snapshot entry for %s, skipping: %v", path, err)
			continue
		}
		entries = append(entries, Entry{
			Path:        path,
			Fingerprint: uint64(fp),
			ModTime:     time.Unix(0, mtimeNS),
			Tree:        tree,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	if combined := vault.CombineFingerprints(pairs); combined != saved {
		c.logger.Printf("snapshot vault fingerprint mismatch (saved %d, recombined %d), cold start", saved, combined)
		return nil, nil
	}
	return entries, nil
}

func encodeTree(tree *outline.Tree) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tree); err != nil {
		return nil, err
	}
	return s2.Encode(nil, buf.Bytes()), nil
}

func decodeTree(blob []byte) (*outline.Tree, error) {
	raw, err := s2.Decode(nil, blob)
	if err != nil {
		return nil, err
	}
	var tree outline.Tree
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&tree); err != nil {
		return nil, err
	}
	tree.Relink()
	return &tree, nil
}
