package indexservice

import (
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
	dim int
}

func (b *fakeBackend) Dim() int          { return b.dim }
func (b *fakeBackend) Device() string    { return "cpu" }
func (b *fakeBackend) ModelName() string { return "fake-model" }

func (b *fakeBackend) EmbedImages(tensors [][]float32) ([][]float32, error) {
	out := make([][]float32, len(tensors))
	for i := range tensors {
		vec := make([]float32, b.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (b *fakeBackend) EmbedTexts(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, b.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{255, 0, 0, 255})
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

func newService(t *testing.T) (*Service, string) {
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

	svc, err := Open(filepath.Join(dir, "svc"), meta, vs, &fakeBackend{dim: 4}, 4)
	if err != nil {
		t.Fatalf("open service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return svc, root
}

func TestReadyReportsNoIndexInitially(t *testing.T) {
	svc, _ := newService(t)
	status := svc.Ready()
	if status.HasIndex {
		t.Fatal("expected no index before any reindex")
	}
}

func waitForJobDone(t *testing.T, svc *Service) JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := svc.CurrentJob()
		if !rec.Running && rec.State != StateIdle {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return JobRecord{}
}

func TestReindexPublishesIndex(t *testing.T) {
	svc, root := newService(t)
	writeTestPNG(t, filepath.Join(root, "a.png"))
	writeTestPNG(t, filepath.Join(root, "b.png"))

	if _, err := svc.Reindex([]string{root}, true); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	rec := waitForJobDone(t, svc)
	if rec.State != StateDone {
		t.Fatalf("expected done, got %s (error=%s)", rec.State, rec.Error)
	}

	status := svc.Ready()
	if !status.HasIndex || status.Indexed != 2 {
		t.Fatalf("expected indexed=2, got %+v", status)
	}
}

func TestSearchTextBeforeIndexReturnsErrNoIndex(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.SearchText("a red photo", 5, Filters{})
	if err != ErrNoIndex {
		t.Fatalf("expected ErrNoIndex, got %v", err)
	}
}

func TestSearchTextAfterIndexReturnsResults(t *testing.T) {
	svc, root := newService(t)
	writeTestPNG(t, filepath.Join(root, "a.png"))

	if _, err := svc.Reindex([]string{root}, true); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	waitForJobDone(t, svc)

	results, err := svc.SearchText("a red photo", 5, Filters{})
	if err != nil {
		t.Fatalf("search_text: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestReindexMergeRejectsRootThatWouldSwallowExisting(t *testing.T) {
	svc, root := newService(t)
	nested := filepath.Join(root, "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	writeTestPNG(t, filepath.Join(nested, "a.png"))

	if _, err := svc.Reindex([]string{nested}, true); err != nil {
		t.Fatalf("initial reindex: %v", err)
	}
	waitForJobDone(t, svc)

	// Default merge=true must still reject a broader incoming root that
	// would subsume the existing, narrower one (spec §6.2/§8 scenario D)
	// rather than silently unioning it into the root set.
	_, err := svc.Reindex([]string{root}, true)
	if err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestNukeAllClearsIndex(t *testing.T) {
	svc, root := newService(t)
	writeTestPNG(t, filepath.Join(root, "a.png"))
	if _, err := svc.Reindex([]string{root}, true); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	waitForJobDone(t, svc)

	if err := svc.NukeAll(); err != nil {
		t.Fatalf("nuke_all: %v", err)
	}
	status := svc.Ready()
	if status.HasIndex {
		t.Fatal("expected no index after nuke_all")
	}
}
