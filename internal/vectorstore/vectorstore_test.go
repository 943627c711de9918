package vectorstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAbsentWhenNoArtifacts(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected absent store with no artifacts written")
	}
}

func TestWritePublicationThenLoad(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ids := []string{"/img/a.jpg", "/img/b.jpg"}
	vectors := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
	}
	cfg := Config{ModelName: "clip-vit-b32", Dim: 3, CreatedAt: time.Unix(0, 0).UTC(), Roots: []string{"/img"}}

	if err := s.WritePublication(ids, 3, vectors, cfg); err != nil {
		t.Fatalf("write_publication: %v", err)
	}

	pub, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected coherent publication to load")
	}
	defer pub.Close()

	if len(pub.IDs) != 2 || pub.IDs[0] != ids[0] || pub.IDs[1] != ids[1] {
		t.Fatalf("ids mismatch: %+v", pub.IDs)
	}
	if pub.Config.ModelName != cfg.ModelName || pub.Config.Dim != cfg.Dim {
		t.Fatalf("config mismatch: %+v", pub.Config)
	}
	if pub.Vectors == nil || pub.Vectors.N != 2 || pub.Vectors.D != 3 {
		t.Fatalf("vectors matrix mismatch: %+v", pub.Vectors)
	}
	row0 := pub.Vectors.Row(0)
	if row0[0] != 1 || row0[1] != 0 || row0[2] != 0 {
		t.Fatalf("row 0 mismatch: %v", row0)
	}
	if pub.Index == nil || pub.Index.N != 2 {
		t.Fatalf("index matrix mismatch: %+v", pub.Index)
	}
}

func TestLoadAbsentWhenConfigMissingButOthersPresent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.writeIDs([]string{"/img/a.jpg"}); err != nil {
		t.Fatalf("write ids: %v", err)
	}
	if err := writeMatrixAtomic(filepath.Join(dir, vectorsFile), 2, [][]float32{{1, 2}}); err != nil {
		t.Fatalf("write vectors: %v", err)
	}

	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected absent store when config.json missing, simulating a crash mid-publication")
	}
}

func TestWipeRemovesAllArtifacts(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg := Config{ModelName: "m", Dim: 2, CreatedAt: time.Unix(0, 0).UTC()}
	if err := s.WritePublication([]string{"/a.jpg"}, 2, [][]float32{{1, 2}}, cfg); err != nil {
		t.Fatalf("write_publication: %v", err)
	}
	if err := s.Wipe(); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load after wipe: %v", err)
	}
	if ok {
		t.Fatal("expected absent store after wipe")
	}
}

func TestWritePublicationEmptyIndex(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg := Config{ModelName: "m", Dim: 4, CreatedAt: time.Unix(0, 0).UTC()}
	if err := s.WritePublication(nil, 4, nil, cfg); err != nil {
		t.Fatalf("write_publication: %v", err)
	}
	pub, ok, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected a coherent empty publication to load")
	}
	if len(pub.IDs) != 0 {
		t.Fatalf("expected no ids, got %v", pub.IDs)
	}
	if pub.Vectors != nil {
		t.Fatal("expected nil vectors matrix for empty publication")
	}
}
