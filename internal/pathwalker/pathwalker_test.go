package pathwalker

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestWalkYieldsSupportedFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{"a.jpg", "b.PNG", "c.txt", "sub/d.webp", "sub/e.bin"}
	for _, f := range files {
		full := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	err := Walk([]string{dir}, func(e Entry) error {
		rel, _ := filepath.Rel(dir, e.Path)
		got = append(got, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Strings(got)

	want := []string{"a.jpg", "b.PNG", filepath.Join("sub", "d.webp")}
	sort.Strings(want)

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestIsSupportedCaseInsensitive(t *testing.T) {
	if !IsSupported("photo.JPG") {
		t.Error("expected .JPG to be supported")
	}
	if IsSupported("notes.txt") {
		t.Error("expected .txt to be unsupported")
	}
}
