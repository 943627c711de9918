// Package vectorstore persists the embedding matrix, the aligned
// identifier vector, the in-memory search structure's serialization,
// and the config record — the four artifacts of spec §4.4 — and
// performs the atomic-replacement discipline that makes a publication
// indivisible from a reader's point of view.
package vectorstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	vectorsFile = "vectors.bin"
	idsFile     = "ids.json"
	indexFile   = "index.bin"
	configFile  = "config.json"
)

// Config is the record described in spec §3: model name, embedding
// dimensionality, creation time, and the effective root set.
type Config struct {
	ModelName string    `json:"model_name"`
	Dim       int       `json:"dim"`
	CreatedAt time.Time `json:"created_at"`
	Roots     []string  `json:"roots"`
}

// Store is the filesystem component owning the four artifacts inside
// a single directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir is created if missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Publication is the full set of loaded artifacts from a coherent
// on-disk state.
type Publication struct {
	IDs     []string
	Vectors *MappedMatrix // nil if N == 0
	Index   *MappedMatrix // nil if N == 0; equals Vectors' contents, loaded from index.bin preferentially
	Config  Config
}

// Close releases any memory-mapped artifacts held by the publication.
func (p *Publication) Close() error {
	var firstErr error
	if p.Vectors != nil {
		if err := p.Vectors.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Index != nil && p.Index != p.Vectors {
		if err := p.Index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Load reads a coherent on-disk publication. If config.json or
// ids.json is missing, or vectors.bin is missing for a non-empty ids
// list, ok is false and the store is considered absent — callers
// operate in "no index" mode (spec §4.4). A missing index.bin does not
// make the store absent: vectors.bin then serves as the index.
//
// config.json is read first: its presence is the commit point of a
// publication (spec §4.6), so checking it up front means a
// half-written publication (e.g. a crash mid-finalize, before config
// was renamed into place) is correctly treated as absent rather than
// partially loaded.
func (s *Store) Load() (pub *Publication, ok bool, err error) {
	cfgBytes, err := os.ReadFile(s.path(configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, false, fmt.Errorf("parse config: %w", err)
	}

	idBytes, err := os.ReadFile(s.path(idsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read ids: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(idBytes, &ids); err != nil {
		return nil, false, fmt.Errorf("parse ids: %w", err)
	}

	if len(ids) == 0 {
		return &Publication{IDs: ids, Config: cfg}, true, nil
	}

	if _, statErr := os.Stat(s.path(vectorsFile)); statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat vectors: %w", statErr)
	}
	vectors, err := openMatrixMmap(s.path(vectorsFile))
	if err != nil {
		return nil, false, fmt.Errorf("load vectors: %w", err)
	}

	// index.bin is semantically redundant with vectors.bin but loaded
	// preferentially when present (spec §4.4).
	var idx *MappedMatrix
	if _, statErr := os.Stat(s.path(indexFile)); statErr == nil {
		idx, err = openMatrixMmap(s.path(indexFile))
		if err != nil {
			vectors.Close()
			return nil, false, fmt.Errorf("load index: %w", err)
		}
	} else {
		idx = vectors
	}

	return &Publication{IDs: ids, Vectors: vectors, Index: idx, Config: cfg}, true, nil
}

// WritePublication atomically writes all four artifacts in the order
// spec §4.6 prescribes — ids, then index, then vectors, then config —
// so that config's presence always implies the other three are
// coherent and fully written.
func (s *Store) WritePublication(ids []string, dim int, vectors [][]float32, cfg Config) error {
	if err := s.writeIDs(ids); err != nil {
		return err
	}
	if err := writeMatrixAtomic(s.path(indexFile), dim, vectors); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := writeMatrixAtomic(s.path(vectorsFile), dim, vectors); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	if err := s.writeConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (s *Store) writeIDs(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal ids: %w", err)
	}
	return writeFileAtomic(s.path(idsFile), data)
}

func (s *Store) writeConfig(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFileAtomic(s.path(configFile), data)
}

// writeFileAtomic writes data to path via a .tmp sibling + rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// Wipe removes all four artifacts (used by remove_roots-to-empty and
// nuke_all). Missing files are not an error.
func (s *Store) Wipe() error {
	for _, name := range []string{vectorsFile, idsFile, indexFile, configFile} {
		if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// WriteVectorsOnly is exposed for tests that need to exercise the
// matrix format without a full publication cycle.
func WriteVectorsOnly(path string, dim int, rows [][]float32) error {
	return writeMatrixAtomic(path, dim, rows)
}
