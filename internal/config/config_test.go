package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadMergesFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imgsift.toml")
	contents := "store-dir = \"/data/imgsift\"\nthreads = 2\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDir != "/data/imgsift" {
		t.Fatalf("expected overridden store-dir, got %q", cfg.StoreDir)
	}
	if cfg.Threads != 2 {
		t.Fatalf("expected overridden threads, got %d", cfg.Threads)
	}
	if cfg.BatchSize != Default().BatchSize {
		t.Fatalf("expected default batch-size to survive merge, got %d", cfg.BatchSize)
	}
}
