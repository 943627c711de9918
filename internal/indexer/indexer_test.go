package indexer

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imgsift/imgsift/internal/metastore"
	"github.com/imgsift/imgsift/internal/vectorstore"
)

type fakeBackend struct {
	dim   int
	calls int
}

func (b *fakeBackend) Dim() int { return b.dim }

func (b *fakeBackend) EmbedImages(tensors [][]float32) ([][]float32, error) {
	b.calls++
	out := make([][]float32, len(tensors))
	for i := range tensors {
		vec := make([]float32, b.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func writeTestPNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func newIndexer(t *testing.T) (*Indexer, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "photos")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}

	meta, err := metastore.Open(filepath.Join(dir, "meta.sqlite"))
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	vs, err := vectorstore.New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("new vectorstore: %v", err)
	}

	return &Indexer{
		Meta:      meta,
		Vectors:   vs,
		Backend:   &fakeBackend{dim: 4},
		BatchSize: 2,
	}, root
}

func TestRunEmbedsNewFiles(t *testing.T) {
	idx, root := newIndexer(t)
	writeTestPNG(t, filepath.Join(root, "a.png"), color.RGBA{255, 0, 0, 255})
	writeTestPNG(t, filepath.Join(root, "b.png"), color.RGBA{0, 255, 0, 255})

	result, err := idx.Run(context.Background(), []string{root}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.IDs) != 2 || len(result.Vectors) != 2 {
		t.Fatalf("expected 2 embedded files, got ids=%d vectors=%d", len(result.IDs), len(result.Vectors))
	}
	if result.Errors != 0 {
		t.Fatalf("expected no errors, got %d", result.Errors)
	}
}

func TestRunCarriesForwardUnchangedFiles(t *testing.T) {
	idx, root := newIndexer(t)
	writeTestPNG(t, filepath.Join(root, "a.png"), color.RGBA{255, 0, 0, 255})

	first, err := idx.Run(context.Background(), []string{root}, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	cfg := vectorstore.Config{ModelName: "test", Dim: first.Dim, CreatedAt: time.Unix(0, 0).UTC(), Roots: []string{root}}
	if err := idx.Vectors.WritePublication(first.IDs, first.Dim, first.Vectors, cfg); err != nil {
		t.Fatalf("write publication: %v", err)
	}

	backend := idx.Backend.(*fakeBackend)
	callsBefore := backend.calls

	second, err := idx.Run(context.Background(), []string{root}, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.IDs) != 1 {
		t.Fatalf("expected 1 carried-forward file, got %d", len(second.IDs))
	}
	if backend.calls != callsBefore {
		t.Fatalf("expected no new embedding calls on unchanged file, calls went from %d to %d", callsBefore, backend.calls)
	}
}

func TestRunEmptyRootsYieldsNoEmbeddings(t *testing.T) {
	idx, root := newIndexer(t)
	_ = root

	_, err := idx.Run(context.Background(), []string{}, nil)
	if err != ErrNoEmbeddingsProduced {
		t.Fatalf("expected ErrNoEmbeddingsProduced, got %v", err)
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	idx, root := newIndexer(t)
	for i := 0; i < 5; i++ {
		writeTestPNG(t, filepath.Join(root, string(rune('a'+i))+".png"), color.RGBA{255, 0, 0, 255})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Run(ctx, []string{root}, nil)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
