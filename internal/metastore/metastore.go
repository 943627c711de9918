// Package metastore is the embedded relational store mapping an
// absolute image path to its root, subpath, folder, modification time,
// and dimensions. It serves change-detection during indexing and
// query-time post-filtering.
package metastore

import (
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// mtimeEpsilon is the tolerance used by IsUpToDate when comparing a
// file's current mtime against the stored value (spec §4.3: "differs
// ... by less than 1e-6 seconds").
const mtimeEpsilon = 1e-6

// Meta is the subset of an image record query callers need for
// post-filtering a search hit (spec §4.3 get_meta).
type Meta struct {
	Width       int
	Height      int
	Orientation string
	Folder      string
}

// FolderCount is a single (name, count) pair within a root's folder
// breakdown.
type FolderCount struct {
	Name  string
	Count int
}

// RootFolders is one root's image count and per-top-folder breakdown,
// both ordered by count descending (spec §4.3 folders_by_root).
type RootFolders struct {
	Root    string
	Count   int
	Folders []FolderCount
}

// Store wraps a SQLite connection configured for a single-writer,
// many-readers workload: WAL journaling, normal-synchronous commits,
// and a bounded busy-timeout so a reader holding a lock causes the
// writer to block briefly rather than fail (spec §4.3).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metadata database at path and
// applies the schema migration.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metastore %s: %w", path, err)
	}
	// WAL mode is what gives a single writer and many concurrent readers
	// (spec §4.3/§5): capping the pool at one connection would force a
	// reader query to wait on the same connection an open writer
	// transaction is holding, in the same goroutine that has to commit
	// to release it. Leave the pool sized by database/sql's default so
	// Batch's transaction and IsUpToDate's reads can run concurrently.

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS images (
			path        TEXT PRIMARY KEY,
			root        TEXT NOT NULL,
			subpath     TEXT NOT NULL,
			top_folder  TEXT NOT NULL,
			folder      TEXT NOT NULL,
			mtime       REAL NOT NULL,
			width       INTEGER NOT NULL,
			height      INTEGER NOT NULL,
			orientation TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_root ON images(root)`,
		`CREATE INDEX IF NOT EXISTS idx_images_top_folder ON images(top_folder)`,
		`CREATE INDEX IF NOT EXISTS idx_images_folder ON images(folder)`,
		`CREATE INDEX IF NOT EXISTS idx_images_orientation ON images(orientation)`,
		`CREATE INDEX IF NOT EXISTS idx_images_root_top_folder ON images(root, top_folder)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// deriveFields computes subpath, top_folder, folder, and orientation
// for a path under root, per spec §3.
func deriveFields(path, root string, width, height int) (subpath, topFolder, folder, orientation string) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		subpath = filepath.Base(path)
	} else {
		subpath = rel
	}
	subpath = filepath.ToSlash(subpath)

	parts := strings.SplitN(subpath, "/", 2)
	if len(parts) > 1 {
		topFolder = parts[0]
	}
	folder = topFolder

	switch {
	case width > height:
		orientation = "landscape"
	case height > width:
		orientation = "portrait"
	default:
		orientation = "square"
	}
	return
}

// IsUpToDate reports whether a row with this path exists and its
// stored mtime differs from mtime by less than the epsilon tolerance.
func (s *Store) IsUpToDate(path string, mtime float64) (bool, error) {
	var stored float64
	err := s.db.QueryRow(`SELECT mtime FROM images WHERE path = ?`, path).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is_up_to_date %s: %w", path, err)
	}
	return math.Abs(stored-mtime) < mtimeEpsilon, nil
}

// Upsert replaces-by-path the row for path, deriving subpath,
// top_folder, folder, and orientation per spec §3.
func (s *Store) Upsert(path, root string, width, height int, mtime float64) error {
	return s.upsert(s.db, path, root, width, height, mtime)
}

func (s *Store) upsert(exec execer, path, root string, width, height int, mtime float64) error {
	subpath, topFolder, folder, orientation := deriveFields(path, root, width, height)
	_, err := exec.Exec(`
		INSERT INTO images (path, root, subpath, top_folder, folder, mtime, width, height, orientation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			root = excluded.root,
			subpath = excluded.subpath,
			top_folder = excluded.top_folder,
			folder = excluded.folder,
			mtime = excluded.mtime,
			width = excluded.width,
			height = excluded.height,
			orientation = excluded.orientation
	`, path, root, subpath, topFolder, folder, mtime, width, height, orientation)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	return nil
}

// DeleteMissing removes every row whose path is not present in
// currentPaths.
func (s *Store) DeleteMissing(currentPaths map[string]struct{}) error {
	rows, err := s.db.Query(`SELECT path FROM images`)
	if err != nil {
		return fmt.Errorf("delete_missing scan: %w", err)
	}
	var toDelete []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("delete_missing scan: %w", err)
		}
		if _, ok := currentPaths[p]; !ok {
			toDelete = append(toDelete, p)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("delete_missing scan: %w", err)
	}
	rows.Close()

	if len(toDelete) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete_missing: %w", err)
	}
	stmt, err := tx.Prepare(`DELETE FROM images WHERE path = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete_missing: %w", err)
	}
	for _, p := range toDelete {
		if _, err := stmt.Exec(p); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("delete_missing %s: %w", p, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete_missing commit: %w", err)
	}
	return nil
}

// FoldersByRoot returns per-root image counts and per-(root,
// top_folder) breakdowns, ordered by count descending.
func (s *Store) FoldersByRoot() ([]RootFolders, error) {
	rows, err := s.db.Query(`
		SELECT root, top_folder, COUNT(*) AS n
		FROM images
		GROUP BY root, top_folder
	`)
	if err != nil {
		return nil, fmt.Errorf("folders_by_root: %w", err)
	}
	defer rows.Close()

	byRoot := make(map[string]*RootFolders)
	var order []string
	for rows.Next() {
		var root, topFolder string
		var n int
		if err := rows.Scan(&root, &topFolder, &n); err != nil {
			return nil, fmt.Errorf("folders_by_root scan: %w", err)
		}
		rf, ok := byRoot[root]
		if !ok {
			rf = &RootFolders{Root: root}
			byRoot[root] = rf
			order = append(order, root)
		}
		rf.Count += n
		if topFolder != "" {
			rf.Folders = append(rf.Folders, FolderCount{Name: topFolder, Count: n})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("folders_by_root: %w", err)
	}

	out := make([]RootFolders, 0, len(order))
	for _, root := range order {
		rf := *byRoot[root]
		sort.Slice(rf.Folders, func(i, j int) bool { return rf.Folders[i].Count > rf.Folders[j].Count })
		out = append(out, rf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

// GetMeta returns the stored dimensions, orientation, and folder for
// path, used by IndexService query post-filtering.
func (s *Store) GetMeta(path string) (Meta, error) {
	var m Meta
	err := s.db.QueryRow(`SELECT width, height, orientation, folder FROM images WHERE path = ?`, path).
		Scan(&m.Width, &m.Height, &m.Orientation, &m.Folder)
	if err == sql.ErrNoRows {
		return Meta{}, fmt.Errorf("get_meta %s: %w", path, sql.ErrNoRows)
	}
	if err != nil {
		return Meta{}, fmt.Errorf("get_meta %s: %w", path, err)
	}
	return m, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}
