// Package indexer drives one indexing job end to end: scan the
// configured roots, prune metadata for files that vanished, carry
// forward or re-embed every remaining file, and hand back a
// finalized vector set ready for atomic publication. Grounded on the
// teacher's internal/index package (IndexDirWithProgress's walk-then-
// process-with-progress shape, AddFileCtx's per-file cancellation
// checks, batched embed calls) generalized from a single metadata+
// HNSW index into the scan/prune/embed/finalize phase machine this
// system's metadata store and vector store require.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/imgsift/imgsift/internal/embedbackend"
	"github.com/imgsift/imgsift/internal/metastore"
	"github.com/imgsift/imgsift/internal/pathwalker"
	"github.com/imgsift/imgsift/internal/vectorstore"
)

// ErrCancelled is returned when a job is cooperatively stopped via its
// context before finalization begins.
var ErrCancelled = errors.New("indexing cancelled")

// ErrNoEmbeddingsProduced is returned when a job accumulates zero
// vectors — no new embeddings and nothing carried forward. No
// artifacts are written and the existing published index is left
// intact.
var ErrNoEmbeddingsProduced = errors.New("no embeddings produced")

// progressEvery is the embedding-phase progress reporting interval.
const progressEvery = 50

// Phase names one stage of a job's lifecycle, surfaced by IndexService
// as the job record's phase field.
type Phase string

const (
	PhaseScanning   Phase = "scanning"
	PhasePruning    Phase = "pruning"
	PhaseEmbedding  Phase = "embedding"
	PhaseFinalizing Phase = "finalizing"
)

// Backend is the subset of the embedding backend the indexer drives.
type Backend interface {
	EmbedImages(tensors [][]float32) ([][]float32, error)
	Dim() int
}

// Progress is invoked on phase transitions and every progressEvery
// files during embedding.
type Progress func(phase Phase, done, total int)

// Result is a completed job's output, ready for Store.WritePublication.
type Result struct {
	IDs     []string
	Vectors [][]float32
	Dim     int
	Errors  int
}

// Indexer drives one job against a fixed metadata store, vector
// store, and embedding backend. It holds no state between calls to
// Run — every job is independent.
type Indexer struct {
	Meta      *metastore.Store
	Vectors   *vectorstore.Store
	Backend   Backend
	BatchSize int
	// Logger records per-file failures (spec §4.6: "logged and counted
	// as errors"). Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (idx *Indexer) logger() *slog.Logger {
	if idx.Logger != nil {
		return idx.Logger
	}
	return slog.Default()
}

// previousIndex is a path -> row lookup over whatever was published
// before this job started, used to carry forward unchanged files.
type previousIndex struct {
	pub    *vectorstore.Publication
	byPath map[string]int
}

func loadPrevious(vs *vectorstore.Store) (*previousIndex, error) {
	pub, ok, err := vs.Load()
	if err != nil {
		return nil, fmt.Errorf("load previous publication: %w", err)
	}
	if !ok {
		return &previousIndex{}, nil
	}
	byPath := make(map[string]int, len(pub.IDs))
	for i, id := range pub.IDs {
		byPath[id] = i
	}
	return &previousIndex{pub: pub, byPath: byPath}, nil
}

func (p *previousIndex) row(path string) ([]float32, bool) {
	if p.pub == nil || p.pub.Vectors == nil {
		return nil, false
	}
	i, ok := p.byPath[path]
	if !ok {
		return nil, false
	}
	return p.pub.Vectors.Row(i), true
}

func (p *previousIndex) close() error {
	if p.pub == nil {
		return nil
	}
	return p.pub.Close()
}

type pendingTensor struct {
	path   string
	tensor []float32
}

// Run performs a full scanning -> pruning -> embedding -> finalizing
// pass over roots. ctx is polled before each file, after opening an
// image, before each batch flush, and before the final commit;
// cancellation rolls back any open metadata transaction and returns
// ErrCancelled. Past the point embedding completes there is no
// cancellation (finalizing never observes ctx).
func (idx *Indexer) Run(ctx context.Context, roots []string, progress Progress) (*Result, error) {
	if progress == nil {
		progress = func(Phase, int, int) {}
	}

	progress(PhaseScanning, 0, 0)
	entries, err := pathwalker.Collect(roots)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	currentPaths := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		currentPaths[e.Path] = struct{}{}
	}

	prev, err := loadPrevious(idx.Vectors)
	if err != nil {
		return nil, err
	}
	defer prev.close()

	progress(PhasePruning, 0, len(entries))
	if err := idx.Meta.DeleteMissing(currentPaths); err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	batchSize := idx.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	batch, err := idx.Meta.NewBatch()
	if err != nil {
		return nil, fmt.Errorf("begin metadata batch: %w", err)
	}
	rolledBack := false
	rollback := func() {
		if !rolledBack {
			batch.Rollback()
			rolledBack = true
		}
	}

	var (
		ids     []string
		vectors [][]float32
		errorN  int
		pending []pendingTensor
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		if err := batch.Flush(); err != nil {
			return fmt.Errorf("flush metadata: %w", err)
		}
		tensors := make([][]float32, len(pending))
		for i, p := range pending {
			tensors[i] = p.tensor
		}
		embedded, err := idx.Backend.EmbedImages(tensors)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for i, vec := range embedded {
			ids = append(ids, pending[i].path)
			vectors = append(vectors, vec)
		}
		pending = pending[:0]
		return nil
	}

	total := len(entries)
	done := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			rollback()
			return nil, ErrCancelled
		}

		path := entry.Path
		info, statErr := os.Stat(path)
		if statErr != nil {
			idx.logger().Warn("skipping file: stat failed", "path", path, "error", statErr)
			errorN++
			done++
			continue
		}
		mtime := float64(info.ModTime().UnixNano()) / 1e9

		upToDate, err := idx.Meta.IsUpToDate(path, mtime)
		if err != nil {
			idx.logger().Warn("skipping file: metadata lookup failed", "path", path, "error", err)
			errorN++
			done++
			continue
		}

		if upToDate {
			if row, ok := prev.row(path); ok {
				ids = append(ids, path)
				vectors = append(vectors, row)
			}
			// else: metadata says up to date but no prior vector row
			// exists — silently skipped, counted toward done only.
			done++
			if done%progressEvery == 0 {
				progress(PhaseEmbedding, done, total)
			}
			continue
		}

		f, openErr := os.Open(path)
		if openErr != nil {
			idx.logger().Warn("skipping file: open failed", "path", path, "error", openErr)
			errorN++
			done++
			continue
		}
		img, _, decodeErr := image.Decode(f)
		f.Close()
		if decodeErr != nil {
			idx.logger().Warn("skipping file: decode failed", "path", path, "error", decodeErr)
			errorN++
			done++
			continue
		}

		if err := ctx.Err(); err != nil {
			rollback()
			return nil, ErrCancelled
		}

		bounds := img.Bounds()
		width, height := bounds.Dx(), bounds.Dy()
		if err := batch.Upsert(path, entry.Root, width, height, mtime); err != nil {
			idx.logger().Warn("skipping file: metadata upsert failed", "path", path, "error", err)
			errorN++
			done++
			continue
		}

		tensor := embedbackend.Preprocess(img)
		pending = append(pending, pendingTensor{path: path, tensor: tensor})

		if len(pending) >= batchSize {
			if err := flush(); err != nil {
				if errors.Is(err, ErrCancelled) {
					rollback()
				}
				return nil, err
			}
		}

		done++
		if done%progressEvery == 0 {
			progress(PhaseEmbedding, done, total)
		}
	}

	if err := flush(); err != nil {
		if errors.Is(err, ErrCancelled) {
			rollback()
		}
		return nil, err
	}
	progress(PhaseEmbedding, done, total)

	if err := ctx.Err(); err != nil {
		rollback()
		return nil, ErrCancelled
	}
	if err := batch.Close(); err != nil {
		return nil, fmt.Errorf("commit metadata: %w", err)
	}

	if len(vectors) == 0 {
		return nil, ErrNoEmbeddingsProduced
	}

	progress(PhaseFinalizing, done, total)
	return &Result{IDs: ids, Vectors: vectors, Dim: idx.Backend.Dim(), Errors: errorN}, nil
}
