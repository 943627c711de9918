package metastore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "meta.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndIsUpToDate(t *testing.T) {
	s := openTestStore(t)

	path := "/img/vacation/beach.jpg"
	if err := s.Upsert(path, "/img", 200, 100, 1000.0); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	upToDate, err := s.IsUpToDate(path, 1000.0)
	if err != nil {
		t.Fatalf("is_up_to_date: %v", err)
	}
	if !upToDate {
		t.Fatal("expected up to date")
	}

	stale, err := s.IsUpToDate(path, 2000.0)
	if err != nil {
		t.Fatalf("is_up_to_date: %v", err)
	}
	if stale {
		t.Fatal("expected stale for changed mtime")
	}

	missing, err := s.IsUpToDate("/img/nope.jpg", 0)
	if err != nil {
		t.Fatalf("is_up_to_date: %v", err)
	}
	if missing {
		t.Fatal("expected false for missing row")
	}
}

func TestUpsertDerivesFields(t *testing.T) {
	s := openTestStore(t)

	cases := []struct {
		path, root          string
		w, h                int
		wantFolder, wantOri string
	}{
		{"/img/vacation/beach.jpg", "/img", 200, 100, "vacation", "landscape"},
		{"/img/root.jpg", "/img", 100, 100, "", "square"},
		{"/img/portraits/me.png", "/img", 100, 200, "portraits", "portrait"},
	}

	for _, c := range cases {
		if err := s.Upsert(c.path, c.root, c.w, c.h, 1.0); err != nil {
			t.Fatalf("upsert %s: %v", c.path, err)
		}
		m, err := s.GetMeta(c.path)
		if err != nil {
			t.Fatalf("get_meta %s: %v", c.path, err)
		}
		if m.Folder != c.wantFolder {
			t.Errorf("%s: folder = %q, want %q", c.path, m.Folder, c.wantFolder)
		}
		if m.Orientation != c.wantOri {
			t.Errorf("%s: orientation = %q, want %q", c.path, m.Orientation, c.wantOri)
		}
	}
}

func TestDeleteMissing(t *testing.T) {
	s := openTestStore(t)

	for _, p := range []string{"/img/a.jpg", "/img/b.jpg", "/img/c.jpg"} {
		if err := s.Upsert(p, "/img", 10, 10, 1.0); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	keep := map[string]struct{}{"/img/b.jpg": {}}
	if err := s.DeleteMissing(keep); err != nil {
		t.Fatalf("delete_missing: %v", err)
	}

	if _, err := s.GetMeta("/img/b.jpg"); err != nil {
		t.Fatalf("expected b.jpg to remain: %v", err)
	}
	if _, err := s.GetMeta("/img/a.jpg"); err == nil {
		t.Fatal("expected a.jpg to be deleted")
	}
}

func TestFoldersByRoot(t *testing.T) {
	s := openTestStore(t)

	s.Upsert("/img/vac/1.jpg", "/img", 10, 10, 1.0)
	s.Upsert("/img/vac/2.jpg", "/img", 10, 10, 1.0)
	s.Upsert("/img/work/1.jpg", "/img", 10, 10, 1.0)

	summary, err := s.FoldersByRoot()
	if err != nil {
		t.Fatalf("folders_by_root: %v", err)
	}
	if len(summary) != 1 {
		t.Fatalf("expected 1 root, got %d", len(summary))
	}
	if summary[0].Count != 3 {
		t.Fatalf("expected count 3, got %d", summary[0].Count)
	}
	if len(summary[0].Folders) != 2 {
		t.Fatalf("expected 2 folders, got %d", len(summary[0].Folders))
	}
	if summary[0].Folders[0].Name != "vac" || summary[0].Folders[0].Count != 2 {
		t.Fatalf("expected vac folder first with count 2, got %+v", summary[0].Folders[0])
	}
}

func TestBatchCloseCommitsPendingUpserts(t *testing.T) {
	s := openTestStore(t)

	b, err := s.NewBatch()
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}
	for i := 0; i < 5; i++ {
		path := filepath.Join("/img", "f", string(rune('a'+i))+".jpg")
		if err := b.Upsert(path, "/img", 10, 10, float64(i)); err != nil {
			t.Fatalf("batch upsert: %v", err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close batch: %v", err)
	}

	summary, err := s.FoldersByRoot()
	if err != nil {
		t.Fatalf("folders_by_root: %v", err)
	}
	if len(summary) != 1 || summary[0].Count != 5 {
		t.Fatalf("expected 5 rows committed, got %+v", summary)
	}
}
